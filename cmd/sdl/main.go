package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"sdl/artifact"
	"sdl/config"
	"sdl/lang/adapters"
	"sdl/ledger"
	"sdl/pipeline"
	"sdl/service"
	"sdl/sqlite"
)

// buildVersion заполняется линковщиком (-ldflags "-X main.buildVersion=...").
var buildVersion = "dev"

// Exit codes: 0 ok, 1 config/usage, 2 environment check failed, 3 store
// error.
const (
	exitUsage = 1
	exitEnv   = 2
	exitStore = 3
)

func main() {
	app := &cli.App{
		Name:  "sdl",
		Usage: "symbol delta ledger — инкрементальный индекс кода для агентов",
		Commands: []*cli.Command{
			initCommand(),
			doctorCommand(),
			versionCommand(),
			indexCommand(),
			serveCommand(),
			exportCommand(),
			importCommand(),
			pullCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "sdl: %v\n", err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		os.Exit(exitUsage)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	return cfg, nil
}

func openService(cfg *config.Config) (*service.Service, error) {
	svc, err := service.New(cfg, service.Options{Registry: adapters.Default()})
	if err != nil {
		return nil, cli.Exit(err.Error(), exitStore)
	}
	return svc, nil
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "создать конфиг и пустую базу",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "sdl.db", Usage: "путь к базе"},
		},
		Action: func(c *cli.Context) error {
			path := os.Getenv(config.EnvConfig)
			if path == "" {
				path = config.DefaultPath
			}
			if _, err := os.Stat(path); err == nil {
				return cli.Exit(fmt.Sprintf("%s уже существует", path), exitUsage)
			}
			cfg := config.Default()
			cfg.DBPath = c.String("db")
			if err := cfg.Write(path); err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}
			store, err := ledger.Open(cfg.DBPath)
			if err != nil {
				return cli.Exit(err.Error(), exitStore)
			}
			store.Close()
			fmt.Printf("конфиг: %s, база: %s\n", path, cfg.DBPath)
			return nil
		},
	}
}

func doctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "проверить окружение: конфиг, базу, адаптеры",
		Action: func(c *cli.Context) error {
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("FAIL %-12s %v\n", name, err)
					return
				}
				fmt.Printf("ok   %s\n", name)
			}

			cfg, err := config.Load()
			check("config", err)
			if err != nil {
				return cli.Exit("environment check failed", exitEnv)
			}

			db, err := sqlite.Open(cfg.DBPath, sqlite.Options{})
			check("sqlite", err)
			if err == nil {
				db.Close()
				store, serr := ledger.Open(cfg.DBPath)
				if serr == nil {
					check("integrity", store.IntegrityCheck(context.Background()))
					store.Close()
				} else {
					check("schema", serr)
				}
			}

			reg := adapters.Default()
			if len(reg.Languages()) == 0 {
				check("adapters", errors.New("no language adapters registered"))
			} else {
				check("adapters", nil)
			}

			for _, r := range cfg.Repos {
				if _, err := os.Stat(r.RootPath); err != nil {
					check("repo "+r.RepoID, err)
				} else {
					check("repo "+r.RepoID, nil)
				}
			}

			if failed {
				return cli.Exit("environment check failed", exitEnv)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "напечатать версию",
		Action: func(c *cli.Context) error {
			fmt.Println("sdl", buildVersion)
			return nil
		},
	}
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "проиндексировать репозитории",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo-id", Usage: "только один репозиторий"},
			&cli.BoolFlag{Name: "watch", Usage: "остаться и следить за изменениями"},
			&cli.BoolFlag{Name: "full", Usage: "полная переиндексация"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := openService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := svc.Bootstrap(ctx); err != nil {
				return cli.Exit(err.Error(), exitStore)
			}

			mode := pipeline.ModeIncremental
			if c.Bool("full") {
				mode = pipeline.ModeFull
			}

			repoIDs := []string{}
			if id := c.String("repo-id"); id != "" {
				repoIDs = append(repoIDs, id)
			} else {
				for _, r := range cfg.Repos {
					repoIDs = append(repoIDs, r.RepoID)
				}
			}
			if len(repoIDs) == 0 {
				return cli.Exit("нет репозиториев: добавьте repos в конфиг или --repo-id", exitUsage)
			}

			for _, id := range repoIDs {
				res, err := svc.Refresh(ctx, id, mode, "cli index")
				if err != nil {
					return cli.Exit(err.Error(), exitStore)
				}
				if res.NoChanges {
					fmt.Printf("%s: без изменений (v%d)\n", id, res.Version)
				} else {
					fmt.Printf("%s: v%d (+%d символов, %d рёбер, %d предупреждений)\n",
						id, res.Version, res.Stats.SymbolsWritten, res.Stats.EdgesWritten, res.Stats.ParseWarnings)
				}
			}

			if c.Bool("watch") || cfg.Indexing.EnableFileWatching {
				for _, id := range repoIDs {
					if err := svc.StartWatch(ctx, id); err != nil {
						return cli.Exit(err.Error(), exitStore)
					}
				}
				fmt.Println("watch: ожидание изменений (Ctrl-C для выхода)")
				<-ctx.Done()
			}
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "выгрузить леджер репозитория в CAR-артефакт",
		ArgsUsage: "<repo-id> <файл.car>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("использование: sdl export <repo-id> <файл.car>", exitUsage)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := ledger.Open(cfg.DBPath)
			if err != nil {
				return cli.Exit(err.Error(), exitStore)
			}
			defer store.Close()

			f, err := os.Create(c.Args().Get(1))
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}
			defer f.Close()

			if err := artifact.Export(context.Background(), store, c.Args().Get(0), f); err != nil {
				return cli.Exit(err.Error(), exitStore)
			}
			fmt.Printf("экспортировано: %s → %s\n", c.Args().Get(0), c.Args().Get(1))
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "загрузить леджер из CAR-артефакта",
		ArgsUsage: "<файл.car>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("использование: sdl import <файл.car>", exitUsage)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := ledger.Open(cfg.DBPath)
			if err != nil {
				return cli.Exit(err.Error(), exitStore)
			}
			defer store.Close()

			f, err := os.Open(c.Args().Get(0))
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}
			defer f.Close()

			repoID, err := artifact.Import(context.Background(), store, f)
			if err != nil {
				return cli.Exit(err.Error(), exitStore)
			}
			fmt.Printf("импортировано: %s\n", repoID)
			return nil
		},
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "импортировать артефакт и догнать индекс инкрементальным пассом",
		ArgsUsage: "<файл.car>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("использование: sdl pull <файл.car>", exitUsage)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := openService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			f, err := os.Open(c.Args().Get(0))
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}
			repoID, err := artifact.Import(context.Background(), svc.Store(), f)
			f.Close()
			if err != nil {
				return cli.Exit(err.Error(), exitStore)
			}

			res, err := svc.Refresh(context.Background(), repoID, pipeline.ModeIncremental, "pull catch-up")
			if err != nil {
				return cli.Exit(err.Error(), exitStore)
			}
			if res.NoChanges {
				fmt.Printf("%s: артефакт актуален (v%d)\n", repoID, res.Version)
			} else {
				fmt.Printf("%s: догнали до v%d\n", repoID, res.Version)
			}
			return nil
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

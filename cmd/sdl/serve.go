package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"sdl/service"
	"sdl/slice"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "поднять транспорт (--stdio или --http)",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "stdio", Usage: "JSON-строки через stdin/stdout"},
			&cli.BoolFlag{Name: "http", Usage: "HTTP JSON API"},
			&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
			&cli.IntFlag{Name: "port", Value: 7465},
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
			if cfg.Indexing.EnableFileWatching {
				for _, r := range cfg.Repos {
					if err := svc.StartWatch(ctx, r.RepoID); err != nil {
						return cli.Exit(err.Error(), exitStore)
					}
				}
			}

			if c.Bool("stdio") {
				return serveStdio(svc)
			}
			addr := fmt.Sprintf("%s:%d", c.String("host"), c.Int("port"))
			srv := &http.Server{
				Addr:              addr,
				Handler:           newHTTPHandler(svc),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			fmt.Printf("sdl: слушаем http://%s\n", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return cli.Exit(err.Error(), exitStore)
			}
			return nil
		},
	}
}

// --- общий диспетчер операций (тонкий фрейминг поверх service) ---

type rpcRequest struct {
	Op     string          `json:"op"`
	ID     any             `json:"id,omitempty"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     any    `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func dispatch(svc *service.Service, req rpcRequest) rpcResponse {
	ctx := context.Background()
	resp := rpcResponse{ID: req.ID}

	fail := func(err error) rpcResponse {
		resp.Error = err.Error()
		return resp
	}
	decode := func(v any) error {
		if len(req.Params) == 0 {
			return nil
		}
		return json.Unmarshal(req.Params, v)
	}

	switch req.Op {
	case "repo.register":
		var p service.RegisterRequest
		if err := decode(&p); err != nil {
			return fail(err)
		}
		if err := svc.RegisterRepo(ctx, p); err != nil {
			return fail(err)
		}
		resp.Result = map[string]bool{"ok": true}

	case "repo.status":
		var p struct {
			RepoID string `json:"repoId"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		st, err := svc.Status(ctx, p.RepoID)
		if err != nil {
			return fail(err)
		}
		resp.Result = st

	case "index.refresh":
		var p struct {
			RepoID string `json:"repoId"`
			Mode   string `json:"mode"`
			Reason string `json:"reason"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		res, err := svc.Refresh(ctx, p.RepoID, p.Mode, p.Reason)
		if err != nil {
			return fail(err)
		}
		resp.Result = res

	case "symbol.search":
		var p struct {
			RepoID string `json:"repoId"`
			Query  string `json:"query"`
			Limit  int    `json:"limit"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		hits, err := svc.Search(ctx, p.RepoID, p.Query, p.Limit)
		if err != nil {
			return fail(err)
		}
		resp.Result = hits

	case "symbol.getCard":
		var p struct {
			RepoID      string `json:"repoId"`
			SymbolID    string `json:"symbolId"`
			IfNoneMatch string `json:"ifNoneMatch"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		card, err := svc.GetCard(ctx, p.RepoID, p.SymbolID, p.IfNoneMatch)
		if err != nil {
			return fail(err)
		}
		resp.Result = card

	case "slice.build":
		var p slice.Input
		if err := decode(&p); err != nil {
			return fail(err)
		}
		out, err := svc.BuildSlice(ctx, p)
		if err != nil {
			return fail(err)
		}
		resp.Result = out

	case "slice.refresh":
		var p struct {
			SliceHandle  string `json:"sliceHandle"`
			KnownVersion int64  `json:"knownVersion"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		out, err := svc.RefreshSlice(ctx, p.SliceHandle, p.KnownVersion)
		if err != nil {
			return fail(err)
		}
		resp.Result = out

	case "delta.get":
		var p struct {
			RepoID      string `json:"repoId"`
			FromVersion int64  `json:"fromVersion"`
			ToVersion   int64  `json:"toVersion"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		pack, err := svc.GetDelta(ctx, p.RepoID, p.FromVersion, p.ToVersion)
		if err != nil {
			return fail(err)
		}
		resp.Result = pack

	case "code.needWindow":
		var p service.WindowRequest
		if err := decode(&p); err != nil {
			return fail(err)
		}
		out, err := svc.NeedWindow(ctx, p)
		if err != nil {
			return fail(err)
		}
		resp.Result = out

	case "code.getSkeleton":
		var p service.SkeletonRequest
		if err := decode(&p); err != nil {
			return fail(err)
		}
		out, err := svc.GetSkeleton(ctx, p)
		if err != nil {
			return fail(err)
		}
		resp.Result = out

	case "policy.get":
		var p struct {
			RepoID string `json:"repoId"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		resp.Result = svc.GetPolicy(p.RepoID)

	case "policy.set":
		var p struct {
			RepoID      string         `json:"repoId"`
			PolicyPatch map[string]any `json:"policyPatch"`
		}
		if err := decode(&p); err != nil {
			return fail(err)
		}
		next, err := svc.SetPolicy(p.RepoID, p.PolicyPatch)
		if err != nil {
			return fail(err)
		}
		resp.Result = next

	case "cache.stats":
		resp.Result = svc.CacheStats()

	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
	}
	return resp
}

// serveStdio читает JSON-строки из stdin и пишет ответы в stdout.
func serveStdio(svc *service.Service) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(rpcResponse{Error: "bad request: " + err.Error()})
			continue
		}
		enc.Encode(dispatch(svc, req))
	}
	return scanner.Err()
}

// newHTTPHandler кладёт тот же диспетчер за один POST-эндпоинт.
func newHTTPHandler(svc *service.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/op", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dispatch(svc, req))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

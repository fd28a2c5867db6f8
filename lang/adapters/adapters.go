// Package adapters assembles the built-in language registry.
package adapters

import (
	"sdl/lang"
	"sdl/lang/golang"
	"sdl/lang/python"
	"sdl/lang/typescript"
)

// Default returns the registry with every built-in adapter registered.
func Default() *lang.Registry {
	r, err := lang.NewRegistry(
		golang.New(),
		typescript.New(),
		typescript.NewJavaScript(),
		python.New(),
	)
	if err != nil {
		// Built-in registrations are static; a clash is a programming error.
		panic(err)
	}
	return r
}

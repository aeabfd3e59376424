// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// undined is the standalone WebDAV daemon. It wires a storage adapter into
// the dav service and serves it over plain HTTP. Authentication here is a
// minimal basic-auth table; the authenticated user name is placed in the
// request context as the principal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sciactive/undine/internal/http/services/dav"
	"github.com/sciactive/undine/pkg/appctx"
	ctxpkg "github.com/sciactive/undine/pkg/ctx"
	"github.com/sciactive/undine/pkg/logger"
	"github.com/sciactive/undine/pkg/storage"
	"github.com/sciactive/undine/pkg/storage/localfs"
	"github.com/sciactive/undine/pkg/storage/memory"
)

type config struct {
	Address string                 `toml:"address"`
	Log     logConfig              `toml:"log"`
	Storage storageConfig          `toml:"storage"`
	Users   map[string]string      `toml:"users"`
	Dav     map[string]interface{} `toml:"dav"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Output string `toml:"output"`
	Mode   string `toml:"mode"`
}

type storageConfig struct {
	Driver string `toml:"driver"`
	Root   string `toml:"root"`
}

func init() {
	// chi only routes methods it knows about
	for _, m := range []string{dav.MethodPropfind, dav.MethodProppatch, dav.MethodMkcol, dav.MethodCopy, dav.MethodMove, dav.MethodLock, dav.MethodUnlock} {
		chi.RegisterMethod(m)
	}
}

func defaults() *config {
	return &config{
		Address: "localhost:9110",
		Log:     logConfig{Level: "info", Mode: "console"},
		Storage: storageConfig{Driver: "memory"},
	}
}

func main() {
	confFile := flag.String("c", "", "configuration file")
	flag.Parse()

	conf := defaults()
	if *confFile != "" {
		if _, err := toml.DecodeFile(*confFile, conf); err != nil {
			fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
			os.Exit(1)
		}
	}

	log := newLogger(&conf.Log)

	adapter, err := newAdapter(&conf.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating storage adapter")
	}

	svc, err := dav.New(conf.Dav, adapter)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating dav service")
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logging(log))
	r.Use(cors.AllowAll().Handler)
	r.Use(authenticate(conf.Users))
	r.Handle("/*", svc.Handler())

	srv := &http.Server{
		Addr:    conf.Address,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", conf.Address).Msg("serving webdav")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func newLogger(c *logConfig) *zerolog.Logger {
	w := os.Stderr
	if c.Output != "" && c.Output != "stderr" {
		if f, err := os.OpenFile(c.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			w = f
		}
	}
	mode := logger.ConsoleMode
	if c.Mode == "json" {
		mode = logger.JSONMode
	}
	return logger.New(logger.WithLevel(c.Level), logger.WithWriter(w, mode))
}

func newAdapter(c *storageConfig) (storage.Adapter, error) {
	switch c.Driver {
	case "", "memory":
		return memory.New(), nil
	case "localfs":
		return localfs.New(c.Root)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
	}
}

// requestID stamps every request with an id for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appctx.WithReqID(r.Context(), uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging stores a request-scoped logger in the context and writes one line
// per request.
func logging(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sub := log.With().
				Str("reqid", appctx.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := appctx.WithLogger(r.Context(), &sub)
			next.ServeHTTP(w, r.WithContext(ctx))
			sub.Debug().Dur("duration", time.Since(start)).Msg("request done")
		})
	}
}

// authenticate resolves the principal from basic auth against the
// configured user table. Requests without credentials stay anonymous; the
// dav core and the adapter decide what anonymous callers may do.
func authenticate(users map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if ok {
				expected, known := users[username]
				if !known || expected != password {
					w.Header().Set("WWW-Authenticate", `Basic realm="undine"`)
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				ctx := ctxpkg.ContextSetUser(r.Context(), &ctxpkg.User{Username: username})
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

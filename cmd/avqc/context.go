package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"avqc/internal/config"
	"avqc/internal/store"
)

// Exit codes: 1 for configuration problems, 2 when the state database is
// unreachable.
const (
	exitConfig = 1
	exitStore  = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: exitConfig, err: err}
}

func storeError(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: exitStore, err: fmt.Errorf("state database: %w", err)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 1
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = configError(err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = configError(err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// openStore opens and pings the state database, mapping failures to the
// store exit code.
func (c *commandContext) openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, storeError(err)
	}
	if err := st.Ping(context.Background()); err != nil {
		_ = st.Close()
		return nil, storeError(err)
	}
	return st, nil
}

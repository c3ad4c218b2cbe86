// Package cli holds the flag plumbing shared by the command binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

// ParseLayers reads a comma separated layer list. "all" or "" selects every
// layer of a model with n layers.
func ParseLayers(s string, n int) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid layer %q", part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid layer range %q", part)
			}
		}
		for l := start; l <= end; l++ {
			if l < 0 || l >= n {
				return nil, fmt.Errorf("%w: layer %d, model has %d", model.ErrLayerOutOfRange, l, n)
			}
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// ServeMetrics exposes the Prometheus registry on addr in the background.
// An empty addr disables it.
func ServeMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Log.Info("metrics serving", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// LoadModel reads the model and its vocabulary from one GGUF file.
func LoadModel(path string) (*model.Model, *tokenizer.Tokenizer, error) {
	if path == "" {
		return nil, nil, errors.New("-model is required")
	}
	tok, err := tokenizer.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizer: %w", err)
	}
	m, err := model.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("model: %w", err)
	}
	if m.VocabSize() != tok.VocabSize() {
		return nil, nil, fmt.Errorf("model vocabulary %d does not match tokenizer %d", m.VocabSize(), tok.VocabSize())
	}
	return m, tok, nil
}

// ExitCode logs a non-nil err and returns the process status for it.
// Callers pass the result to os.Exit once their deferred cleanup has run.
func ExitCode(msg string, err error) int {
	if err == nil {
		return 0
	}
	logger.Log.Error(msg, "error", err)
	return 1
}

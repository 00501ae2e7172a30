package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/pkg/errors"
)

// tmd asks for the download dir, auth_token, ct0, the number of parallel
// routines and a final confirmation.
const tmdRoutines = 5

// X downloads a user's media by driving the external tmd binary.
type X struct {
	bin    string
	logger logster.Logger
}

func NewX(bin string, logger logster.Logger) *X {
	return &X{bin: bin, logger: logger.WithField("Layer", "X")}
}

func (x *X) Platform() models.Platform {
	return models.PlatformX
}

func (x *X) SupportsResume() bool {
	return false
}

// ParseXUser derives the screen name from a handle ("@name", "name") or profile URL.
func ParseXUser(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimPrefix(s, "@")
}

func (x *X) check(req Request) (string, error) {
	if req.Credentials.XAuthToken == "" || req.Credentials.XCt0 == "" {
		return "", apperr.Auth("x requires auth_token and ct0, credentials missing")
	}
	user := ParseXUser(req.URL)
	if user == "" {
		return "", apperr.Validation("cannot parse x user from %q", req.URL)
	}
	if _, err := os.Stat(x.bin); err != nil {
		return "", apperr.Internal("tmd binary not available", errors.Wrapf(err, "stat %s", x.bin))
	}
	return user, nil
}

func (x *X) Probe(_ context.Context, req Request) (Metadata, error) {
	user, err := x.check(req)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Title: "@" + user}, nil
}

func (x *X) Fetch(ctx context.Context, req Request, sink Sink) (Result, error) {
	user, err := x.check(req)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return Result{}, apperr.Internal("create target dir", err)
	}
	// a stale tmd state db makes it skip everything
	_ = os.Remove(filepath.Join(req.Dest, "download.db"))

	cmd := newCommand(ctx, x.bin, "--user", user)
	cmd.Dir = req.Dest
	cmd.Env = append(os.Environ(), "HOME="+req.Dest)
	if req.Proxy != "" {
		cmd.Env = append(cmd.Env, "HTTP_PROXY="+req.Proxy, "HTTPS_PROXY="+req.Proxy, "ALL_PROXY="+req.Proxy)
		sink.Log("[TMD] proxy: " + req.Proxy)
	}
	cmd.Stdin = strings.NewReader(fmt.Sprintf("%s\n%s\n%s\n%d\n\n",
		req.Dest, req.Credentials.XAuthToken, req.Credentials.XCt0, tmdRoutines))

	sink.Log(fmt.Sprintf("[TMD] target: %s, user: %s", req.Dest, user))
	sink.Progress(Progress{Percent: 1, Speed: models.NoValue, ETA: models.NoValue})

	last := &tail{n: 3}
	startErr, err := runStreaming(cmd, func(line string) {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "enter") && strings.Contains(line, ":") {
			return
		}
		last.add(line)
		sink.Log(line)
	})
	if startErr != nil {
		return Result{}, apperr.Internal("start tmd", startErr)
	}
	if ctx.Err() != nil {
		return Result{}, apperr.Cancelled(ctx.Err())
	}
	if err != nil {
		return Result{}, apperr.Network("tmd failed", errors.Wrapf(err, "tmd exited (%s)", last))
	}

	result := Result{Path: filepath.Join(req.Dest, user)}
	if _, err := os.Stat(result.Path); err != nil {
		result.Path = req.Dest
	}
	sink.Log("[Success] folder: " + filepath.Base(result.Path))
	return result, nil
}

package platform

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const processWaitDelay = 5 * time.Second

var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// newCommand builds a command that is interrupted (not killed) when ctx is done,
// and force-killed if it has not exited after processWaitDelay.
func newCommand(ctx context.Context, bin string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = processWaitDelay
	return cmd
}

// runStreaming starts cmd with stdout and stderr merged, passes every output line
// to fn and waits for the process. startErr is set when the process never ran.
func runStreaming(cmd *exec.Cmd, fn func(line string)) (startErr, waitErr error) {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanLines(pr, fn)
		_, _ = io.Copy(io.Discard, pr)
	}()

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		<-done
		return err, nil
	}
	waitErr = cmd.Wait()
	_ = pw.Close()
	<-done
	return nil, waitErr
}

// scanLines calls fn for every non-empty, ANSI-stripped line of r. Carriage
// returns are treated as line breaks so progress bars produce separate lines.
func scanLines(r io.Reader, fn func(line string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(splitLinesCR)
	for sc.Scan() {
		line := strings.TrimSpace(stripANSI(sc.Text()))
		if line != "" {
			fn(line)
		}
	}
}

func splitLinesCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n lines written to it.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, "; ")
}

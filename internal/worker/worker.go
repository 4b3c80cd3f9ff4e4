// Package worker drives the face inference engine as a Python subprocess.
// Requests go over stdin, responses come back on a dedicated pipe (FD 3) so
// engine prints on stdout can never corrupt the protocol.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var (
	// ErrInferenceFailure wraps errors reported by the engine itself.
	ErrInferenceFailure = errors.New("inference failure")
	// ErrModelLoad is returned when the engine fails its start-up handshake.
	ErrModelLoad = errors.New("engine failed to load models")
	// ErrClosed is returned by Detect after Close.
	ErrClosed = errors.New("engine closed")
	// ErrEngineLost is returned when the process stopped answering and was
	// killed. The next Detect starts a new one.
	ErrEngineLost = errors.New("engine lost")
	// ErrTimeout is returned when a reply does not arrive in time.
	ErrTimeout = errors.New("engine did not respond")
)

// maxMessage caps a single response body.
const maxMessage = 64 << 20

// Config selects the engine script and its timeouts.
type Config struct {
	Python      string
	Script      string
	ModelDir    string
	LoadTimeout time.Duration
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/engine.py"
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 60 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	return c
}

// PythonEngine is one engine process. Calls are serialised; the detection
// loop never has more than one in flight anyway.
//
// A transport failure (timeout, EOF, broken pipe) leaves the framing in an
// unknown state. The process is then killed and, when the engine knows how
// to launch itself, a fresh one is started by the next Detect.
type PythonEngine struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Model    string

	// launch replaces Cmd, Stdin and DataPipe with a ready process.
	launch func() error

	readTimeout time.Duration
	mu          sync.Mutex
	closed      bool
	broken      error
}

// NewPythonEngine starts the engine and blocks until it reports its models
// are loaded, or LoadTimeout elapses.
func NewPythonEngine(ctx context.Context, cfg Config) (*PythonEngine, error) {
	cfg = cfg.withDefaults()
	e := &PythonEngine{readTimeout: cfg.ReadTimeout}
	e.launch = func() error { return e.spawn(ctx, cfg) }
	if err := e.launch(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *PythonEngine) spawn(ctx context.Context, cfg Config) error {
	args := []string{"-u", cfg.Script}
	if cfg.ModelDir != "" {
		args = append(args, "--models", cfg.ModelDir)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return fmt.Errorf("engine failed to start: %w", err)
	}
	// Only the child holds the write end now.
	w.Close()

	e.Cmd, e.Stdin, e.DataPipe = py, stdin, r
	if err := e.handshake(cfg.LoadTimeout); err != nil {
		e.discard()
		return err
	}
	return nil
}

func (e *PythonEngine) handshake(timeout time.Duration) error {
	body, err := e.readWithin(timeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	var ready types.ReadyResult
	if err := json.Unmarshal(body, &ready); err != nil {
		return fmt.Errorf("%w: bad handshake: %w", ErrModelLoad, err)
	}
	if ready.Error != "" {
		return fmt.Errorf("%w: %s", ErrModelLoad, ready.Error)
	}
	if !ready.Ready {
		return fmt.Errorf("%w: engine not ready", ErrModelLoad)
	}
	e.Model = ready.Model
	return nil
}

// Detect runs one inference pass on a JPEG frame.
func (e *PythonEngine) Detect(ctx context.Context, frame []byte, minConfidence float64) ([]types.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.broken != nil {
		if err := e.restart(); err != nil {
			return nil, err
		}
	}

	header, err := json.Marshal(types.EngineRequest{MinConfidence: minConfidence, WithIdentity: true})
	if err != nil {
		return nil, err
	}
	if err := writeMessage(e.Stdin, header); err != nil {
		return nil, e.fail(fmt.Errorf("failed to send request: %w", err))
	}
	if err := writeMessage(e.Stdin, frame); err != nil {
		return nil, e.fail(fmt.Errorf("failed to send frame: %w", err))
	}

	body, err := e.readWithin(e.readTimeout)
	if err != nil {
		return nil, e.fail(err)
	}
	return decodeDetections(body)
}

// fail records a transport error and tears the process down so a reader
// still blocked on the old pipe can never see the next reply.
func (e *PythonEngine) fail(err error) error {
	e.broken = err
	e.discard()
	return fmt.Errorf("%w: %w", ErrEngineLost, err)
}

func (e *PythonEngine) restart() error {
	if e.launch == nil {
		return fmt.Errorf("%w: %w", ErrEngineLost, e.broken)
	}
	if err := e.launch(); err != nil {
		return fmt.Errorf("%w: restart failed: %w", ErrEngineLost, err)
	}
	e.broken = nil
	return nil
}

// discard kills the process and closes both pipes without waiting for a
// clean exit.
func (e *PythonEngine) discard() {
	if e.Stdin != nil {
		e.Stdin.Close()
	}
	if e.DataPipe != nil {
		e.DataPipe.Close()
	}
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
		go e.Cmd.Wait()
	}
	e.Cmd = nil
}

// readWithin reads one message, giving up after d. On timeout the reading
// goroutine stays parked on the pipe until the caller discards the process.
func (e *PythonEngine) readWithin(d time.Duration) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	pipe := e.DataPipe
	go func() {
		body, err := readMessage(pipe)
		ch <- result{body, err}
	}()

	if d <= 0 {
		r := <-ch
		return r.body, r.err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.body, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}

// Close shuts the engine down. Safe to call more than once.
func (e *PythonEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.broken != nil {
		// Already killed by fail.
		return nil
	}

	if e.Stdin != nil {
		e.Stdin.Close()
	}
	if e.DataPipe != nil {
		e.DataPipe.Close()
	}
	if e.Cmd != nil {
		// Closing stdin is the engine's signal to exit; Wait reaps it.
		return e.Cmd.Wait()
	}
	return nil
}

// Stderr returns whatever the engine printed to stderr so far.
func (e *PythonEngine) Stderr() string {
	if e.Cmd == nil {
		return ""
	}
	return e.Cmd.Stderr.String()
}

// --- protocol ---

// Protocol: [uint32 big-endian length][body]
func writeMessage(w io.Writer, body []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // an engine crash surfaces here as EOF
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxMessage {
		return nil, fmt.Errorf("engine message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// decodeDetections accepts either a detection array or an error envelope.
func decodeDetections(body []byte) ([]types.Detection, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res types.ErrorResult
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("failed to decode engine response: %w", err)
		}
		if res.Error == "" {
			return nil, fmt.Errorf("%w: unexpected engine response", ErrInferenceFailure)
		}
		return nil, fmt.Errorf("%w: %s", ErrInferenceFailure, res.Error)
	}

	var dets []types.Detection
	if err := json.Unmarshal(body, &dets); err != nil {
		return nil, fmt.Errorf("failed to decode engine response: %w", err)
	}
	return dets, nil
}

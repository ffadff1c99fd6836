package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/agtscout/internal/api"
	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/heartbeat"
	"github.com/g960059/agtscout/internal/integration"
	"github.com/g960059/agtscout/internal/logging"
	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/security"
	"github.com/g960059/agtscout/internal/service"
)

const maxStdinBytes int64 = 1 << 20

// errDaemonUnreachable marks a failed connect, the only case in which
// commands fall back to the local store or an in-process service. Once the
// request may have reached the daemon, errors are reported as they are.
var errDaemonUnreachable = errors.New("daemon unreachable")

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
	stdin   *os.File
	cfg     config.Config

	// fixedClient is set when the caller supplied the transport; --socket
	// then does not replace it.
	fixedClient bool
	// local opens an in-process service for fallbacks; replaced in tests.
	local func(ctx context.Context, cfg config.Config) (*service.Service, error)
	serve func(ctx context.Context, cfg config.Config, force bool) int
}

// NewRunner talks to the daemon socket named by the loaded config.
func NewRunner(out, errOut io.Writer) *Runner {
	return newRunner(out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	if client == nil {
		client = &http.Client{}
	}
	r.baseURL = strings.TrimRight(baseURL, "/")
	r.client = client
	r.fixedClient = true
	return r
}

func newRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	r := &Runner{out: out, errOut: errOut, stdin: os.Stdin, cfg: config.DefaultConfig()}
	r.local = func(ctx context.Context, cfg config.Config) (*service.Service, error) {
		return service.NewFromConfig(ctx, cfg, zap.NewNop(), nil)
	}
	r.serve = r.serveDaemon
	return r
}

func unixClient(socketPath string) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &http.Client{Transport: transport, Timeout: 2 * time.Minute}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	g, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return r.handleErr(err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return r.handleErr(err)
	}
	if g.socketPath != "" {
		cfg.SocketPath = g.socketPath
	}
	r.cfg = cfg
	if !r.fixedClient {
		r.baseURL = "http://unix"
		r.client = unixClient(cfg.SocketPath)
	}

	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "window":
		return r.runWindow(ctx, rest[1:])
	case "test":
		return r.runTest(ctx, rest[1:])
	case "send":
		return r.runSend(ctx, rest[1:])
	case "queue":
		return r.runQueue(ctx, rest[1:])
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "start":
		return r.runStart(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "requeue":
		return r.runRequeue(ctx, rest[1:])
	case "watchdog":
		return r.runWatchdog(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

type globalArgs struct {
	configPath string
	socketPath string
}

func parseGlobalArgs(args []string) (globalArgs, []string, error) {
	var g globalArgs
	g.configPath = strings.TrimSpace(os.Getenv("AGTSCOUT_CONFIG"))
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket", "--config":
			if i+1 >= len(args) {
				return globalArgs{}, nil, fmt.Errorf("%s requires value", args[i])
			}
			if args[i] == "--socket" {
				g.socketPath = args[i+1]
			} else {
				g.configPath = args[i+1]
			}
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return g, rest, nil
}

func (r *Runner) runWindow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("window", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	var resp api.WindowResponse
	body, err := r.request(ctx, http.MethodGet, "/v1/window", nil, nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &resp); err != nil {
			return r.handleErr(fmt.Errorf("decode window response: %w", err))
		}
	case errors.Is(err, errDaemonUnreachable):
		svc, openErr := r.local(ctx, r.cfg)
		if openErr != nil {
			return r.handleErr(openErr)
		}
		defer svc.Close() //nolint:errcheck
		report := svc.Window(ctx)
		resp = api.WindowResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Found:         report.Found,
			Handle:        report.Handle,
			Readiness:     report.Readiness,
			Error:         report.Error,
		}
	default:
		return r.handleErr(err)
	}

	if *jsonOut {
		return r.writeJSON(resp)
	}
	if !resp.Found {
		_, _ = fmt.Fprintf(r.out, "target not found: %s\n", resp.Error)
		return 1
	}
	h := resp.Handle
	_, _ = fmt.Fprintf(r.out, "pane %s (%s:%s %s) cmd=%s\n", h.PaneID, h.SessionName, h.WindowID, h.WindowName, h.CurrentCmd)
	if resp.Error != "" {
		_, _ = fmt.Fprintf(r.out, "readiness: unknown (%s)\n", resp.Error)
		return 1
	}
	_, _ = fmt.Fprintf(r.out, "state: %s ready: %t\n", resp.Readiness.State, resp.Readiness.AcceptsInput && !resp.Readiness.Busy)
	return 0
}

func (r *Runner) runTest(ctx context.Context, args []string) int {
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		text = "agtscout test " + time.Now().Format("15:04:05")
	}
	var resp api.TestInjectResponse
	body, err := r.request(ctx, http.MethodPost, "/v1/test", nil, api.TextRequest{Text: text})
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &resp); err != nil {
			return r.handleErr(fmt.Errorf("decode test response: %w", err))
		}
	case errors.Is(err, errDaemonUnreachable):
		svc, openErr := r.local(ctx, r.cfg)
		if openErr != nil {
			return r.handleErr(openErr)
		}
		defer svc.Close() //nolint:errcheck
		h, injectErr := svc.TestInject(ctx, text)
		if injectErr != nil {
			return r.handleErr(injectErr)
		}
		resp.Handle = h
	default:
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "injected into %s without sending: %s\n", resp.Handle.PaneID, security.Preview(text, 0))
	return 0
}

func (r *Runner) runSend(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	useStdin := fs.Bool("stdin", false, "read message from stdin")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	text, code := r.messageText(fs, *useStdin, "usage: agtscout send <text>|--stdin")
	if code != 0 {
		return code
	}

	var msg model.Message
	body, err := r.request(ctx, http.MethodPost, "/v1/send", nil, api.TextRequest{Text: text})
	switch {
	case err == nil:
		var resp api.MessageResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return r.handleErr(fmt.Errorf("decode send response: %w", err))
		}
		msg = resp.Message
	case errors.Is(err, errDaemonUnreachable):
		svc, openErr := r.local(ctx, r.cfg)
		if openErr != nil {
			return r.handleErr(openErr)
		}
		defer svc.Close() //nolint:errcheck
		sent, sendErr := svc.Send(ctx, text)
		if sendErr != nil {
			return r.handleErr(sendErr)
		}
		msg = sent
	default:
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "sent %s\n", msg.ID)
	return 0
}

func (r *Runner) runQueue(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kind := fs.String("kind", model.DefaultMessageKind, "message kind")
	from := fs.String("from", "", "sender recorded in meta")
	useStdin := fs.Bool("stdin", false, "read message from stdin")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	text, code := r.messageText(fs, *useStdin, "usage: agtscout queue [--kind k] [--from name] <text>|--stdin")
	if code != 0 {
		return code
	}
	var meta map[string]string
	if strings.TrimSpace(*from) != "" {
		meta = map[string]string{"from": strings.TrimSpace(*from)}
	}

	body, err := r.request(ctx, http.MethodPost, "/v1/messages", nil, api.EnqueueRequest{Kind: *kind, Content: text, Meta: meta})
	switch {
	case err == nil:
		var resp api.MessageResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return r.handleErr(fmt.Errorf("decode queue response: %w", err))
		}
		_, _ = fmt.Fprintf(r.out, "queued %s\n", resp.Message.ID)
		return 0
	case errors.Is(err, errDaemonUnreachable):
		store, openErr := service.OpenStore(ctx, r.cfg.QueuePath)
		if openErr != nil {
			return r.handleErr(openErr)
		}
		defer store.Close() //nolint:errcheck
		msg := model.NewMessage(*kind, text, meta, time.Now())
		if _, err := store.Append(ctx, msg); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "queued %s (daemon not running; delivered on next start)\n", msg.ID)
		return 0
	default:
		return r.handleErr(err)
	}
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	body, err := r.request(ctx, http.MethodGet, "/v1/status", nil, nil)
	if err == nil {
		if *jsonOut {
			_, _ = r.out.Write(body)
			return 0
		}
		var resp api.StatusResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return r.handleErr(fmt.Errorf("decode status response: %w", err))
		}
		r.printStatus(resp.Status)
		return 0
	}
	if !errors.Is(err, errDaemonUnreachable) {
		return r.handleErr(err)
	}

	st := model.Status{Phase: model.PhaseStopped}
	store, openErr := service.OpenStore(ctx, r.cfg.QueuePath)
	if openErr != nil {
		return r.handleErr(openErr)
	}
	defer store.Close() //nolint:errcheck
	if st.PendingCount, err = store.CountPending(ctx); err != nil {
		return r.handleErr(err)
	}
	beat, beatErr := heartbeat.Read(r.cfg.HeartbeatPath)
	if beatErr == nil {
		st.SendCount = beat.SendCount
		st.LastSent = beat.LastSent
		st.LastError = beat.LastError
	}
	if *jsonOut {
		return r.writeJSON(api.StatusResponse{SchemaVersion: api.SchemaVersion, GeneratedAt: time.Now().UTC(), Status: st})
	}
	_, _ = fmt.Fprintln(r.out, "daemon: not running")
	r.printStatus(st)
	if beatErr == nil {
		_, _ = fmt.Fprintf(r.out, "last heartbeat: %s (pid %d)\n", beat.Timestamp.Local().Format(time.RFC3339), beat.PID)
	}
	return 0
}

func (r *Runner) printStatus(st model.Status) {
	_, _ = fmt.Fprintf(r.out, "running: %t\n", st.Running)
	_, _ = fmt.Fprintf(r.out, "phase: %s\n", st.Phase)
	_, _ = fmt.Fprintf(r.out, "pending: %d\n", st.PendingCount)
	_, _ = fmt.Fprintf(r.out, "sent: %d\n", st.SendCount)
	if st.LastSent != nil {
		_, _ = fmt.Fprintf(r.out, "last sent: %s\n", st.LastSent.Local().Format(time.RFC3339))
	}
	if st.SurfaceHealth != "" {
		_, _ = fmt.Fprintf(r.out, "surface: %s\n", st.SurfaceHealth)
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(r.out, "last error: %s\n", st.LastError)
	}
}

func (r *Runner) runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	force := fs.Bool("force", false, "stop a running instance first")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	return r.serve(ctx, r.cfg, *force)
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	state := fs.String("state", "", "pending|delivered|failed")
	limit := fs.Int("limit", 50, "max messages")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *state != "" && !model.MessageState(*state).Valid() {
		_, _ = fmt.Fprintln(r.errOut, "--state must be pending, delivered, or failed")
		return 2
	}

	var msgs []model.Message
	query := url.Values{}
	if *state != "" {
		query.Set("state", *state)
	}
	query.Set("limit", fmt.Sprintf("%d", *limit))
	body, err := r.request(ctx, http.MethodGet, "/v1/messages", query, nil)
	switch {
	case err == nil:
		var env api.MessagesEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return r.handleErr(fmt.Errorf("decode messages: %w", err))
		}
		msgs = env.Messages
	case errors.Is(err, errDaemonUnreachable):
		store, openErr := service.OpenStore(ctx, r.cfg.QueuePath)
		if openErr != nil {
			return r.handleErr(openErr)
		}
		defer store.Close() //nolint:errcheck
		if msgs, err = store.ListMessages(ctx, model.MessageState(*state), *limit); err != nil {
			return r.handleErr(err)
		}
	default:
		return r.handleErr(err)
	}

	if *jsonOut {
		return r.writeJSON(api.MessagesEnvelope{SchemaVersion: api.SchemaVersion, GeneratedAt: time.Now().UTC(), Messages: msgs})
	}
	for _, m := range msgs {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", m.ID, m.State, m.CreatedAt.Local().Format(time.RFC3339), security.Preview(m.Content, 60))
	}
	return 0
}

func (r *Runner) runRequeue(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agtscout requeue <id>...")
		return 2
	}
	_, err := r.request(ctx, http.MethodPost, "/v1/messages/requeue", nil, api.RequeueRequest{IDs: args})
	if errors.Is(err, errDaemonUnreachable) {
		store, openErr := service.OpenStore(ctx, r.cfg.QueuePath)
		if openErr != nil {
			return r.handleErr(openErr)
		}
		defer store.Close() //nolint:errcheck
		err = store.Requeue(ctx, args)
	}
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "requeued %d message(s)\n", len(args))
	return 0
}

func (r *Runner) runWatchdog(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("watchdog", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	maxStale := fs.Duration("max-stale", heartbeat.DefaultMaxStale, "maximum heartbeat age")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	beat, age, err := heartbeat.Check(r.cfg.HeartbeatPath, *maxStale, time.Now())
	if errors.Is(err, heartbeat.ErrMissing) {
		_, _ = fmt.Fprintf(r.out, "unhealthy: no heartbeat at %s\n", r.cfg.HeartbeatPath)
		return 1
	}
	if err != nil && !errors.Is(err, heartbeat.ErrStale) {
		return r.handleErr(err)
	}
	verdict := "healthy"
	if err != nil {
		verdict = "unhealthy"
	}
	_, _ = fmt.Fprintf(r.out, "%s: pid=%d state=%s age=%s pending=%d sent=%d\n",
		verdict, beat.PID, beat.State, age.Round(time.Second), beat.PendingMessages, beat.SendCount)
	if beat.LastError != "" {
		_, _ = fmt.Fprintf(r.out, "last error: %s\n", beat.LastError)
	}
	if err != nil {
		return 1
	}
	return 0
}

func (r *Runner) runDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	skipTarget := fs.Bool("skip-target", false, "do not probe tmux for the target pane")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	opts := integration.DoctorOptions{Config: r.cfg}
	if !*skipTarget {
		opts.Probe = func(ctx context.Context) service.WindowReport {
			svc, err := r.local(ctx, r.cfg)
			if err != nil {
				return service.WindowReport{Error: err.Error()}
			}
			defer svc.Close() //nolint:errcheck
			return svc.Window(ctx)
		}
	}
	res := integration.Doctor(ctx, opts)
	if *jsonOut {
		if code := r.writeJSON(res); code != 0 {
			return code
		}
	} else {
		for _, c := range res.Checks {
			line := fmt.Sprintf("[%s] %s: %s", c.Status, c.Name, c.Message)
			if c.Path != "" {
				line += " (" + c.Path + ")"
			}
			_, _ = fmt.Fprintln(r.out, line)
		}
	}
	if !res.OK {
		return 1
	}
	return 0
}

// messageText joins positional args or reads stdin. A non-zero code means
// the caller should return it.
func (r *Runner) messageText(fs *flag.FlagSet, useStdin bool, usage string) (string, int) {
	if useStdin {
		if fs.NArg() > 0 {
			_, _ = fmt.Fprintln(r.errOut, "--stdin cannot be combined with text arguments")
			return "", 2
		}
		text, usageErr, err := readStdinPayload(r.stdin, maxStdinBytes)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			if usageErr {
				return "", 2
			}
			return "", 1
		}
		return text, 0
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		_, _ = fmt.Fprintln(r.errOut, usage)
		return "", 2
	}
	return text, 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isDialFailure(err) {
			return nil, fmt.Errorf("%w: %v", errDaemonUnreachable, err)
		}
		return nil, fmt.Errorf("daemon request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

// isDialFailure reports whether err happened while connecting, before any
// bytes of the request were written.
func isDialFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

func readStdinPayload(stdin *os.File, maxBytes int64) (payload string, usageError bool, err error) {
	if stdin == nil {
		return "", false, fmt.Errorf("stdin unavailable")
	}
	stat, err := stdin.Stat()
	if err != nil {
		return "", false, fmt.Errorf("read stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return "", true, fmt.Errorf("--stdin requires piped input")
	}
	body, err := io.ReadAll(io.LimitReader(stdin, maxBytes+1))
	if err != nil {
		return "", false, fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return "", true, fmt.Errorf("--stdin payload exceeds %d bytes", maxBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", true, fmt.Errorf("--stdin requires non-empty payload")
	}
	return string(body), false, nil
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: agtscout [--config <file>] [--socket <path>] <window|test|send|queue|status|start|list|requeue|watchdog|doctor> ...")
}

func (r *Runner) newLogger() (*zap.Logger, error) {
	return logging.New(r.cfg.LogLevel, r.cfg.LogFormat)
}

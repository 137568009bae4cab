// Package agi serves the dialplan over FastAGI. Two scripts are handled:
//
//	agi://host:4573/lcr?org=<org>[&max=<n>]
//	agi://host:4573/lcr_failover
//
// lcr resolves the dialed extension and exposes the dial sequence as channel
// variables. lcr_failover is run after each Dial() and tells the dialplan
// whether to try the next route.
package agi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/failover"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

const (
	ScriptResolve  = "lcr"
	ScriptFailover = "lcr_failover"
)

type Resolver interface {
	Resolve(ctx context.Context, req models.RouteRequest) (*models.Resolution, error)
}

// Calls tracks dial attempts per call.
type Calls interface {
	Begin(ctx context.Context, callID, org string, res *models.Resolution) (*failover.Session, error)
	Fail(ctx context.Context, callID string, attempt int, cause failover.Cause) (failover.Decision, error)
	Answer(ctx context.Context, callID string, attempt int, pdd time.Duration) error
}

type Server struct {
	resolver Resolver
	calls    Calls
	logger   *zap.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewServer creates a FastAGI server. timeout bounds a whole session.
func NewServer(resolver Resolver, calls Calls, timeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		resolver: resolver,
		calls:    calls,
		logger:   logger.Named("agi"),
		timeout:  timeout,
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("agi listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is done, then waits for open
// sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				s.logger.Info("stopped")
				return nil
			}
			s.logger.Warn("accept", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handle(ctx, conn)
		}()
	}
}

type session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	headers map[string]string
	logger  *zap.Logger
}

// Handle runs one FastAGI session on conn and closes it.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn.SetDeadline(time.Now().Add(s.timeout))

	sess := &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		headers: make(map[string]string),
		logger:  s.logger,
	}
	start := time.Now()
	if err := sess.readHeaders(); err != nil {
		s.logger.Warn("read headers", zap.Error(err))
		return
	}
	sess.logger = s.logger.With(
		zap.String("uniqueid", sess.headers["agi_uniqueid"]),
		zap.String("channel", sess.headers["agi_channel"]))

	script, query := parseRequest(sess.headers["agi_request"])
	var err error
	switch script {
	case ScriptResolve:
		err = s.resolve(ctx, sess, query)
	case ScriptFailover:
		err = s.failover(ctx, sess)
	default:
		sess.logger.Warn("unknown script", zap.String("request", sess.headers["agi_request"]))
		err = sess.setVariable("LCR_STATUS", "failed")
	}
	if err != nil {
		sess.logger.Warn("session aborted", zap.String("script", script), zap.Error(err))
		return
	}
	sess.logger.Debug("session done", zap.String("script", script), zap.Duration("took", time.Since(start)))
}

// parseRequest returns the script name and query of an agi_request URL.
func parseRequest(raw string) (string, url.Values) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil
	}
	return path.Base(u.Path), u.Query()
}

func (s *Server) resolve(ctx context.Context, sess *session, query url.Values) error {
	org := query.Get("org")
	if org == "" {
		org = sess.headers["agi_arg_1"]
	}
	if org == "" {
		org = sess.getVariable("LCR_ORG")
	}
	dest := query.Get("dest")
	if dest == "" {
		dest = sess.headers["agi_extension"]
	}
	maxRoutes, _ := strconv.Atoi(query.Get("max"))

	res, err := s.resolver.Resolve(ctx, models.RouteRequest{
		Destination:    dest,
		OrganizationID: org,
		CallType:       "voice",
		Options:        models.RouteOptions{MaxRoutes: maxRoutes},
	})
	if err != nil {
		app := apperrors.Normalize(err)
		sess.logger.Info("no routes for call",
			zap.String("destination", dest),
			zap.String("org", org),
			zap.String("code", app.Code))
		if err := sess.setVariable("LCR_STATUS", "failed"); err != nil {
			return err
		}
		return sess.setVariable("LCR_ERROR", app.Code)
	}

	vars := [][2]string{
		{"LCR_STATUS", "ok"},
		{"LCR_ROUTE_COUNT", strconv.Itoa(len(res.Routes))},
		{"LCR_ATTEMPT", "1"},
	}
	for i, r := range res.Routes {
		n := strconv.Itoa(i + 1)
		vars = append(vars,
			[2]string{"LCR_DIAL_" + n, r.DialString},
			[2]string{"LCR_CARRIER_" + n, r.CarrierCode})
	}
	for _, v := range vars {
		if err := sess.setVariable(v[0], v[1]); err != nil {
			return err
		}
	}

	if uid := sess.headers["agi_uniqueid"]; uid != "" && s.calls != nil {
		if _, err := s.calls.Begin(ctx, uid, org, res); err != nil {
			sess.logger.Warn("open call record", zap.Error(err))
		}
	}
	sess.logger.Info("call routed",
		zap.String("destination", res.NormalizedDestination),
		zap.Int("routes", len(res.Routes)),
		zap.Bool("cache_hit", res.Metadata.CacheHit))
	return nil
}

func (s *Server) failover(ctx context.Context, sess *session) error {
	uid := sess.headers["agi_uniqueid"]
	dialStatus := sess.getVariable("DIALSTATUS")
	attempt, err := strconv.Atoi(sess.getVariable("LCR_ATTEMPT"))
	if err != nil || attempt < 1 {
		attempt = 1
	}

	if strings.EqualFold(dialStatus, "ANSWER") {
		pdd := postDialDelay(sess.getVariable("DIALEDTIME"), sess.getVariable("ANSWEREDTIME"))
		if err := s.calls.Answer(ctx, uid, attempt, pdd); err != nil {
			sess.logger.Warn("record answer", zap.Error(err))
		}
		return sess.setVariable("LCR_NEXT", string(failover.ActionStop))
	}

	cause, err := callCause(sess.getVariable("HANGUPCAUSE"), dialStatus)
	if err != nil {
		sess.logger.Warn("unparseable dial result", zap.String("dialstatus", dialStatus), zap.Error(err))
		cause = failover.Interworking
	}

	d, err := s.calls.Fail(ctx, uid, attempt, cause)
	if err != nil {
		sess.logger.Warn("failover lookup", zap.Error(err))
		if err := sess.setVariable("LCR_NEXT", string(failover.ActionStop)); err != nil {
			return err
		}
		return sess.setVariable("LCR_ERROR", apperrors.Normalize(err).Code)
	}

	if err := sess.setVariable("LCR_NEXT", string(d.Action)); err != nil {
		return err
	}
	if d.Action != failover.ActionAdvance {
		sess.logger.Info("call ends", zap.String("action", string(d.Action)), zap.String("cause", cause.String()))
		return nil
	}
	if err := sess.setVariable("LCR_NEXT_DIAL", d.Route.DialString); err != nil {
		return err
	}
	return sess.setVariable("LCR_ATTEMPT", strconv.Itoa(d.Attempt))
}

// callCause prefers the Q.850 hangup cause and falls back to DIALSTATUS.
func callCause(hangupCause, dialStatus string) (failover.Cause, error) {
	if hc := strings.TrimSpace(hangupCause); hc != "" && hc != "0" {
		if c, err := failover.ParseCause(hc); err == nil {
			return c, nil
		}
	}
	return failover.ParseCause(dialStatus)
}

// postDialDelay is DIALEDTIME minus ANSWEREDTIME, both in seconds.
func postDialDelay(dialed, answered string) time.Duration {
	d, err1 := strconv.Atoi(dialed)
	a, err2 := strconv.Atoi(answered)
	if err1 != nil || err2 != nil || d < a {
		return 0
	}
	return time.Duration(d-a) * time.Second
}

// readHeaders consumes the agi_* environment block terminated by a blank line.
func (s *session) readHeaders() error {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}
		if key, value, ok := strings.Cut(line, ":"); ok {
			s.headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
}

func (s *session) setVariable(name, value string) error {
	value = strings.ReplaceAll(value, `"`, `\"`)
	resp, err := s.command(fmt.Sprintf("SET VARIABLE %s \"%s\"", name, value))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "200") {
		return fmt.Errorf("SET VARIABLE %s: %s", name, resp)
	}
	return nil
}

// getVariable returns "" for unset variables and on protocol errors.
func (s *session) getVariable(name string) string {
	resp, err := s.command("GET VARIABLE " + name)
	if err != nil {
		s.logger.Debug("GET VARIABLE", zap.String("name", name), zap.Error(err))
		return ""
	}
	// 200 result=1 (value)
	if !strings.HasPrefix(resp, "200 result=1") {
		return ""
	}
	start := strings.Index(resp, "(")
	end := strings.LastIndex(resp, ")")
	if start < 0 || end <= start {
		return ""
	}
	return resp[start+1 : end]
}

func (s *session) command(cmd string) (string, error) {
	if _, err := s.writer.WriteString(cmd + "\n"); err != nil {
		return "", err
	}
	if err := s.writer.Flush(); err != nil {
		return "", err
	}
	resp, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "HANGUP") {
		// Asterisk may interleave a HANGUP notice before the reply.
		if resp, err = s.reader.ReadString('\n'); err != nil {
			return "", err
		}
		resp = strings.TrimSpace(resp)
	}
	return resp, nil
}

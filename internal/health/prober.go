package health

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

// ProbeResult is the outcome of one reachability check.
type ProbeResult struct {
	Latency time.Duration
	OK      bool
	Err     error
}

// Prober checks whether a gateway answers signaling.
type Prober interface {
	Probe(ctx context.Context, gw *models.Gateway) ProbeResult
}

// SIPProber sends a SIP OPTIONS request and times the first response line.
// Any SIP status, including 4xx/5xx, proves the gateway is reachable.
type SIPProber struct {
	// FromHost is placed in Via/From/Contact. Empty uses the local address.
	FromHost string
}

func (p SIPProber) Probe(ctx context.Context, gw *models.Gateway) ProbeResult {
	start := time.Now()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = start.Add(5 * time.Second)
	}

	conn, err := p.dial(ctx, gw)
	if err != nil {
		return failed(deadline, start, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(p.request(gw, conn.LocalAddr()))); err != nil {
		return failed(deadline, start, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return failed(deadline, start, err)
	}
	if !strings.HasPrefix(line, "SIP/2.0 ") {
		return failed(deadline, start, fmt.Errorf("unexpected response %q", strings.TrimSpace(line)))
	}
	return ProbeResult{Latency: time.Since(start), OK: true}
}

// failed reports worst-case latency: the full probe budget.
func failed(deadline, start time.Time, err error) ProbeResult {
	return ProbeResult{Latency: deadline.Sub(start), OK: false, Err: err}
}

func (p SIPProber) dial(ctx context.Context, gw *models.Gateway) (net.Conn, error) {
	addr := net.JoinHostPort(gw.Host, strconv.Itoa(gw.Port))
	var d net.Dialer
	switch strings.ToLower(gw.Transport) {
	case "tcp":
		return d.DialContext(ctx, "tcp", addr)
	case "tls":
		td := tls.Dialer{NetDialer: &d, Config: &tls.Config{ServerName: gw.Host, MinVersion: tls.VersionTLS12}}
		return td.DialContext(ctx, "tcp", addr)
	default:
		return d.DialContext(ctx, "udp", addr)
	}
}

func (p SIPProber) request(gw *models.Gateway, local net.Addr) string {
	transport := strings.ToUpper(gw.Transport)
	if transport == "" {
		transport = "UDP"
	}
	from := p.FromHost
	if from == "" {
		from = local.String()
	}
	target := net.JoinHostPort(gw.Host, strconv.Itoa(gw.Port))
	id := uuid.NewString()

	var b strings.Builder
	fmt.Fprintf(&b, "OPTIONS sip:%s SIP/2.0\r\n", target)
	fmt.Fprintf(&b, "Via: SIP/2.0/%s %s;branch=z9hG4bK%s;rport\r\n", transport, from, id[:8])
	b.WriteString("Max-Forwards: 70\r\n")
	fmt.Fprintf(&b, "From: <sip:lcr@%s>;tag=%s\r\n", from, id[9:13])
	fmt.Fprintf(&b, "To: <sip:%s>\r\n", target)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", id)
	b.WriteString("CSeq: 1 OPTIONS\r\n")
	fmt.Fprintf(&b, "Contact: <sip:lcr@%s>\r\n", from)
	b.WriteString("Accept: application/sdp\r\n")
	b.WriteString("User-Agent: asterisk-lcr-router\r\n")
	b.WriteString("Content-Length: 0\r\n\r\n")
	return b.String()
}

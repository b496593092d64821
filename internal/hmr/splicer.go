// Package hmr relays hot-module-replacement WebSocket traffic between
// browsers and per-project dev servers. External editor clients get a
// managed fan-out connection; browser HMR sockets get a raw TCP splice so
// the bundler's protocol extensions pass through untouched.
package hmr

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/supervisor"
)

const upstreamConnectTimeout = 5 * time.Second

// InstanceSource resolves project ids to live instances.
type InstanceSource interface {
	Get(projectID string) (supervisor.Instance, bool)
	MarkActive(projectID string)
}

// projectIDPattern extracts a uuid-like 36-character project id from
// anywhere in the path, covering /hmr/<id>, /p/<id>/hmr/<id>, and
// doubly-prefixed routed variants.
var projectIDPattern = regexp.MustCompile(`/hmr/([0-9a-fA-F-]{36})`)

// basePrefixPattern matches legacy /p/<id>/ paths with no /hmr segment.
var basePrefixPattern = regexp.MustCompile(`^/p/([A-Za-z0-9_-]+)/`)

// Splicer routes incoming upgrade requests to the right relay strategy.
type Splicer struct {
	instances InstanceSource
	logger    *zap.Logger
	hub       *hub
}

// New creates a Splicer.
func New(instances InstanceSource, logger *zap.Logger) *Splicer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splicer{
		instances: instances,
		logger:    logger,
		hub:       newHub(instances, logger),
	}
}

// Matches reports whether a request path belongs to the splicer.
func (s *Splicer) Matches(path string) bool {
	if path == "/hmr" {
		return true
	}
	return projectIDPattern.MatchString(path)
}

// IsUpgrade reports whether a request asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ServeHTTP dispatches an HMR request. Non-upgrade requests get an empty
// 200 so load balancer probes of the path stay quiet.
func (s *Splicer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsUpgrade(r) {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Path == "/hmr" && r.URL.Query().Get("projectId") != "" {
		s.hub.serveExternal(w, r)
		return
	}

	projectID := ""
	if m := projectIDPattern.FindStringSubmatch(r.URL.Path); m != nil {
		projectID = m[1]
	} else if m := basePrefixPattern.FindStringSubmatch(r.URL.Path); m != nil {
		projectID = m[1]
	}

	s.splice(w, r, projectID)
}

// Close shuts down the managed hub connections.
func (s *Splicer) Close() {
	s.hub.closeAll()
}

// splice hijacks the client connection and pipes raw bytes to the child's
// HMR endpoint after replaying the upgrade handshake.
func (s *Splicer) splice(w http.ResponseWriter, r *http.Request, projectID string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		s.logger.Warn("hijack failed", zap.Error(err))
		return
	}
	defer client.Close()

	if projectID == "" {
		writeRawStatus(client, "400 Bad Request")
		return
	}

	inst, ok := s.instances.Get(projectID)
	if !ok || inst.Status != supervisor.StatusRunning {
		writeRawStatus(client, "503 Service Unavailable")
		return
	}

	child, err := net.DialTimeout("tcp",
		fmt.Sprintf("127.0.0.1:%d", inst.Port), upstreamConnectTimeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			writeRawStatus(client, "504 Gateway Timeout")
		} else {
			writeRawStatus(client, "502 Bad Gateway")
		}
		s.logger.Warn("hmr upstream dial failed",
			zap.String("project", projectID), zap.Error(err))
		return
	}
	defer child.Close()

	if err := writeHandshake(child, r, inst.Port); err != nil {
		writeRawStatus(client, "502 Bad Gateway")
		return
	}

	// Bytes the server read past the request head belong to the child.
	if n := buffered.Reader.Buffered(); n > 0 {
		head := make([]byte, n)
		if _, err := io.ReadFull(buffered.Reader, head); err == nil {
			child.Write(head)
		}
	}

	s.instances.MarkActive(projectID)
	s.logger.Debug("hmr splice established",
		zap.String("project", projectID), zap.Int("port", inst.Port))

	// Pipe until either side closes; closing one half unblocks the other
	// copy via the deferred Close calls.
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(child, client)
		child.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, child)
		client.Close()
		done <- struct{}{}
	}()
	<-done
}

// writeHandshake replays the client's WebSocket upgrade against the child's
// root path with local Host/Origin so the child's host check passes.
func writeHandshake(child net.Conn, r *http.Request, port int) error {
	key := r.Header.Get("Sec-WebSocket-Key")
	version := r.Header.Get("Sec-WebSocket-Version")
	if version == "" {
		version = "13"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET / HTTP/1.1\r\n")
	fmt.Fprintf(&b, "Host: localhost:%d\r\n", port)
	fmt.Fprintf(&b, "Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", version)
	if protocol := r.Header.Get("Sec-WebSocket-Protocol"); protocol != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", protocol)
	}
	if extensions := r.Header.Get("Sec-WebSocket-Extensions"); extensions != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", extensions)
	}
	fmt.Fprintf(&b, "Origin: http://localhost:%d\r\n", port)
	fmt.Fprintf(&b, "\r\n")

	_, err := child.Write([]byte(b.String()))
	return err
}

func writeRawStatus(conn net.Conn, status string) {
	fmt.Fprintf(conn, "HTTP/1.1 %s\r\nConnection: close\r\n\r\n", status)
}

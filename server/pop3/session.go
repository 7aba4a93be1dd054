package pop3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/openkim/kimgate/backend"
	"github.com/openkim/kimgate/journal"
	"github.com/openkim/kimgate/kas"
	"github.com/openkim/kimgate/konnektor"
	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/pipeline"
	"github.com/openkim/kimgate/pkg/metrics"
	"github.com/openkim/kimgate/report"
)

// maxSessionErrors is the number of invalid commands tolerated before the
// connection is dropped.
const maxSessionErrors = 10

// authFailDelay slows down credential guessing.
const authFailDelay = 2 * time.Second

// handlerState is the authentication phase of the session.
type handlerState int

const (
	stateAuthReady handlerState = iota
	stateAuthUserSet
	stateTransaction
)

func (st handlerState) String() string {
	switch st {
	case stateAuthReady:
		return "AUTHENTICATION_READY"
	case stateAuthUserSet:
		return "AUTHENTICATION_USERSET"
	case stateTransaction:
		return "TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

// gatewayState tracks whether the session is plainly proxying the backend
// or currently running the pipeline on a fetched message.
type gatewayState int

const (
	gatewayProxy gatewayState = iota
	gatewayProcess
)

func (gs gatewayState) String() string {
	if gs == gatewayProcess {
		return "PROCESS"
	}
	return "PROXY"
}

type Session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context
	cancel context.CancelFunc

	handlerState handlerState
	gatewayState gatewayState
	identity     backend.Identity
	mailbox      *backend.Mailbox
	isTLS        bool
	errorCount   int
	startTime    time.Time
	remoteIP     string
	mutex        sync.Mutex
}

func newSession(server *Server, conn net.Conn, ctx context.Context, cancel context.CancelFunc) *Session {
	_, isTLS := conn.(*tls.Conn)
	remoteIP := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remoteIP = addr.String()
	}
	return &Session{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		ctx:          ctx,
		cancel:       cancel,
		handlerState: stateAuthReady,
		gatewayState: gatewayProxy,
		isTLS:        isTLS,
		remoteIP:     remoteIP,
	}
}

func (s *Session) handleConnection() {
	defer s.cancel()
	defer s.close()

	s.startTime = time.Now()
	s.Log("connected")

	s.writeLine("+OK KIM gateway ready")

	for {
		if s.server.sessionTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.server.sessionTimeout)); err != nil {
				s.WarnLog("failed to set read deadline: %v", err)
				return
			}
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.DebugLog("client timed out waiting for command")
				s.writeLine("-ERR Idle timeout, closing connection")
				return
			}
			if err == io.EOF {
				s.DebugLog("client dropped connection")
			} else {
				s.WarnLog("client read error: %v", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToUpper(parts[0])
		args := parts[1:]

		s.DebugLog("C: %s", maskCommand(cmd, line))

		var quit bool
		switch cmd {
		case "CAPA":
			s.handleCapa()
		case "USER":
			quit = s.handleUser(args)
		case "PASS":
			quit = s.handlePass(args)
		case "AUTH":
			quit = s.handleAuth(args)
		case "STLS":
			quit = s.handleStls()
		case "STAT":
			quit = s.handleStat()
		case "LIST":
			quit = s.handleList(args, false)
		case "UIDL":
			quit = s.handleList(args, true)
		case "TOP":
			quit = s.handleTop(args)
		case "RETR":
			quit = s.handleRetr(args)
		case "RSET":
			quit = s.handleRset()
		case "QUIT":
			s.handleQuit()
			quit = true
		default:
			quit = s.clientError("-ERR unknown command")
		}
		if quit {
			return
		}
	}
}

// clientError answers an invalid command and reports whether the error
// budget is exhausted and the connection should be dropped.
func (s *Session) clientError(response string) bool {
	s.errorCount++
	s.writeLine(response)
	if s.errorCount >= maxSessionErrors {
		s.DebugLog("too many invalid commands, dropping connection")
		s.writeLine("-ERR Too many invalid commands, closing connection")
		return true
	}
	return false
}

// stateError rejects a command issued outside its legal state. Neither
// handlerState nor gatewayState changes.
func (s *Session) stateError(cmd string) bool {
	s.DebugLog("%s not allowed in state %s", cmd, s.handlerState)
	return s.clientError("-ERR command not allowed in current state")
}

func (s *Session) handleCapa() {
	s.writer.WriteString("+OK Capability list follows\r\n")
	s.writer.WriteString("USER\r\n")
	s.writer.WriteString("SASL PLAIN LOGIN\r\n")
	s.writer.WriteString("TOP\r\n")
	s.writer.WriteString("UIDL\r\n")
	s.writer.WriteString("RESP-CODES\r\n")
	if s.server.tlsConfig != nil && !s.isTLS {
		s.writer.WriteString("STLS\r\n")
	}
	s.writer.WriteString("IMPLEMENTATION KIM-Gateway\r\n")
	s.writer.WriteString(".\r\n")
	s.writer.Flush()
}

func (s *Session) handleUser(args []string) bool {
	if s.handlerState != stateAuthReady {
		return s.stateError("USER")
	}
	if len(args) < 1 {
		return s.clientError("-ERR Missing username")
	}
	identity, err := backend.ParseUsername(args[0], s.server.backendCfg.DefaultDomain)
	if err != nil {
		s.DebugLog("username resolution failed: %v", err)
		return s.clientError("-ERR invalid username")
	}
	s.identity = identity
	s.handlerState = stateAuthUserSet
	s.writeLine("+OK User accepted")
	return false
}

func (s *Session) handlePass(args []string) bool {
	if s.handlerState != stateAuthUserSet {
		return s.stateError("PASS")
	}
	if len(args) < 1 {
		return s.clientError("-ERR Missing password")
	}
	return s.finishAuthentication(args[0])
}

func (s *Session) handleAuth(args []string) bool {
	if s.handlerState != stateAuthUserSet {
		return s.stateError("AUTH")
	}
	if len(args) < 1 {
		return s.clientError("-ERR Missing authentication mechanism")
	}

	var authn, password string
	var err error
	switch strings.ToUpper(args[0]) {
	case "PLAIN":
		initial := ""
		if len(args) > 1 {
			initial = args[1]
		}
		authn, password, err = s.authPlain(initial)
	case "LOGIN":
		authn, password, err = s.authLogin()
	default:
		return s.clientError("-ERR Unsupported authentication mechanism")
	}
	if err != nil {
		s.DebugLog("SASL exchange failed: %v", err)
		return s.authFailed(err)
	}

	// The SASL authentication identity replaces the USER name when it names
	// a different mailbox.
	if authn != "" && authn != s.identity.ClientName {
		identity, perr := backend.ParseUsername(authn, s.server.backendCfg.DefaultDomain)
		if perr != nil {
			return s.authFailed(perr)
		}
		s.identity = identity
	}
	return s.finishAuthentication(password)
}

// authPlain runs the PLAIN exchange, with or without an initial response.
func (s *Session) authPlain(initial string) (string, string, error) {
	var authn, password string
	srv := sasl.NewPlainServer(func(identity, username, pass string) error {
		if identity != "" && identity != username {
			return fmt.Errorf("authorization identity not supported")
		}
		authn = username
		password = pass
		return nil
	})

	data := initial
	if data == "" {
		s.writeLine("+ ")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("failed to read authentication data: %w", err)
		}
		data = strings.TrimSpace(line)
	}
	if data == "*" {
		return "", "", fmt.Errorf("authentication cancelled")
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", "", fmt.Errorf("invalid authentication data: %w", err)
	}
	if _, done, err := srv.Next(decoded); err != nil {
		return "", "", err
	} else if !done {
		return "", "", fmt.Errorf("incomplete PLAIN exchange")
	}
	return authn, password, nil
}

// authLogin runs the legacy LOGIN exchange with base64 prompts.
func (s *Session) authLogin() (string, string, error) {
	user, err := s.loginPrompt("VXNlcm5hbWU6") // "Username:"
	if err != nil {
		return "", "", err
	}
	pass, err := s.loginPrompt("UGFzc3dvcmQ6") // "Password:"
	if err != nil {
		return "", "", err
	}
	return user, pass, nil
}

func (s *Session) loginPrompt(prompt string) (string, error) {
	s.writeLine("+ " + prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read authentication data: %w", err)
	}
	data := strings.TrimSpace(line)
	if data == "*" {
		return "", fmt.Errorf("authentication cancelled")
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("invalid authentication data: %w", err)
	}
	return string(decoded), nil
}

// finishAuthentication opens the backend mailbox with the resolved identity
// and the supplied secret. Every failure (DNS, connect, backend auth)
// collapses to the same generic response so backend topology never leaks to
// the client.
func (s *Session) finishAuthentication(password string) bool {
	mbox, err := s.authenticate(password)
	if err != nil {
		return s.authFailed(err)
	}

	s.mailbox = mbox
	s.handlerState = stateTransaction
	s.gatewayState = gatewayProxy
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	s.writeLine("+OK Authentication successful")
	s.Log("authenticated, backend %s", mbox.Addr())
	return false
}

func (s *Session) authenticate(password string) (*backend.Mailbox, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.server.connectTimeout)
	defer cancel()

	mbox, err := backend.Dial(ctx, s.server.backendCfg.POP3Addr(), s.server.connectTimeout)
	if err != nil {
		return nil, err
	}
	if err := mbox.Login(s.identity.BackendUser, password); err != nil {
		mbox.Close()
		return nil, err
	}
	return mbox, nil
}

// authFailed logs the real cause, answers the generic failure, and applies
// the anti-guessing delay. The session stays in AUTHENTICATION_USERSET.
func (s *Session) authFailed(err error) bool {
	s.DebugLog("authentication failed: %v", err)
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
	time.Sleep(authFailDelay)
	return s.clientError("-ERR authentication failed")
}

func (s *Session) handleStls() bool {
	if s.handlerState != stateAuthReady {
		return s.stateError("STLS")
	}
	if s.isTLS || s.server.tlsConfig == nil {
		return s.clientError("-ERR STLS not available")
	}

	s.writeLine("+OK Begin TLS negotiation")

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		s.WarnLog("TLS handshake failed: %v", err)
		return true
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.isTLS = true
	s.DebugLog("connection upgraded to TLS")
	return false
}

func (s *Session) handleStat() bool {
	if s.handlerState != stateTransaction {
		return s.stateError("STAT")
	}
	count, size, err := s.mailbox.Stat()
	if err != nil {
		s.WarnLog("backend STAT failed: %v", err)
		s.writeLine("-ERR backend unavailable")
		return false
	}
	s.writeLine(fmt.Sprintf("+OK %d %d", count, size))
	return false
}

func (s *Session) handleList(args []string, uidl bool) bool {
	cmd := "LIST"
	if uidl {
		cmd = "UIDL"
	}
	if s.handlerState != stateTransaction {
		return s.stateError(cmd)
	}

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return s.clientError("-ERR invalid message number")
		}
		var entry backend.ListEntry
		if uidl {
			entry, err = s.mailbox.Uidl(n)
		} else {
			entry, err = s.mailbox.List(n)
		}
		if err != nil {
			s.writeLine("-ERR no such message")
			return false
		}
		if uidl {
			s.writeLine(fmt.Sprintf("+OK %d %s", entry.Number, entry.UID))
		} else {
			s.writeLine(fmt.Sprintf("+OK %d %d", entry.Number, entry.Size))
		}
		return false
	}

	var entries []backend.ListEntry
	var err error
	if uidl {
		entries, err = s.mailbox.UidlAll()
	} else {
		entries, err = s.mailbox.ListAll()
	}
	if err != nil {
		s.WarnLog("backend %s failed: %v", cmd, err)
		s.writeLine("-ERR backend unavailable")
		return false
	}
	s.writer.WriteString(fmt.Sprintf("+OK %d messages\r\n", len(entries)))
	for _, entry := range entries {
		if uidl {
			s.writer.WriteString(fmt.Sprintf("%d %s\r\n", entry.Number, entry.UID))
		} else {
			s.writer.WriteString(fmt.Sprintf("%d %d\r\n", entry.Number, entry.Size))
		}
	}
	s.writer.WriteString(".\r\n")
	s.writer.Flush()
	return false
}

func (s *Session) handleTop(args []string) bool {
	if s.handlerState != stateTransaction {
		return s.stateError("TOP")
	}
	if len(args) < 2 {
		return s.clientError("-ERR usage: TOP msg lines")
	}
	n, err1 := strconv.Atoi(args[0])
	lines, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || n < 1 || lines < 0 {
		return s.clientError("-ERR invalid arguments")
	}

	// TOP serves headers and a body preview; the preview is the stored
	// (still transformed) form, only RETR runs the pipeline.
	data, err := s.mailbox.Top(n, lines)
	if err != nil {
		s.writeLine("-ERR no such message")
		return false
	}
	s.writer.WriteString("+OK top of message follows\r\n")
	s.writer.WriteString(messageBody(data))
	s.writer.WriteString(".\r\n")
	s.writer.Flush()
	return false
}

func (s *Session) handleRetr(args []string) bool {
	if s.handlerState != stateTransaction {
		return s.stateError("RETR")
	}
	if len(args) < 1 {
		return s.clientError("-ERR usage: RETR msg")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return s.clientError("-ERR invalid message number")
	}

	// The gateway state flips to PROCESS for the duration of the pipeline
	// run and returns to PROXY regardless of outcome.
	s.gatewayState = gatewayProcess
	defer func() { s.gatewayState = gatewayProxy }()

	message, err := s.mailbox.Retr(n)
	if err != nil {
		s.DebugLog("backend RETR %d failed: %v", n, err)
		s.writeLine("-ERR no such message")
		return false
	}

	transformed := s.processIncoming(message)

	// The advertised count covers the framed body as written, terminator
	// excluded.
	body := messageBody(transformed)
	s.writer.WriteString(fmt.Sprintf("+OK %d octets\r\n", len(body)))
	s.writer.WriteString(body)
	s.writer.WriteString(".\r\n")
	s.writer.Flush()
	s.Log("retrieved message %d (%d octets)", n, len(body))
	return false
}

// processIncoming runs the fetched message through decrypt+verify and the
// offload download pipeline. On pipeline failure the client receives a
// report instead of the broken message, never a protocol error.
func (s *Session) processIncoming(message []byte) []byte {
	env := pipeline.NewContext(logger.Get())
	defer env.Release()

	current := message
	telematikID := ""
	outcome := "ok"
	var failures []report.Failure
	cryptoFailed := false

	if op, ok := s.server.registry.Get(konnektor.OpDecryptVerify); ok {
		env.Set(konnektor.OpDecryptVerify, konnektor.KeyMessage, current)
		pipeline.Run(s.ctx, env, op)
		if err := env.FailureOf(konnektor.OpDecryptVerify); err != nil {
			failures = append(failures, report.Failure{Code: pipeline.CodeOf(err), Detail: err.Error()})
			cryptoFailed = true
		} else {
			if v, ok := env.Get(konnektor.OpDecryptVerify, konnektor.KeyMessage); ok {
				if out, ok := v.([]byte); ok {
					current = out
				}
			}
			telematikID = env.GetString(konnektor.OpDecryptVerify, konnektor.KeyTelematikID)
		}
	}

	if len(failures) == 0 {
		if op, ok := s.server.registry.Get(kas.OpIncoming); ok {
			env.Set(kas.OpIncoming, kas.KeyMessage, current)
			pipeline.Run(s.ctx, env, op)
			if err := env.FailureOf(kas.OpIncoming); err != nil {
				failures = append(failures, report.Failure{Code: pipeline.CodeOf(err), Detail: err.Error()})
			} else if v, ok := env.Get(kas.OpIncoming, kas.KeyMessage); ok {
				if out, ok := v.([]byte); ok {
					current = out
				}
			}
		}
	}

	if len(failures) > 0 {
		outcome = string(failures[0].Code)
		// A crypto failure leaves the original retrievable elsewhere, so it
		// travels along inside the report; an offload failure concerns a
		// message already decrypted, a status report is enough.
		var replaced []byte
		var rerr error
		if cryptoFailed {
			replaced, rerr = report.BuildEmbeddedOriginal(s.reportHostname(), failures, message)
		} else {
			replaced, rerr = report.BuildErrorReport(s.reportHostname(), failures)
		}
		if rerr != nil {
			s.WarnLog("failed to build error report: %v", rerr)
		} else {
			current = replaced
		}
	}

	s.journalEntry(current, telematikID, outcome)
	return current
}

func (s *Session) reportHostname() string {
	if s.server.hostname != "" {
		return s.server.hostname
	}
	return "localhost"
}

func (s *Session) journalEntry(message []byte, telematikID, outcome string) {
	if s.server.journal == nil {
		return
	}
	entry := journal.Entry{
		Direction:   journal.DirectionIncoming,
		User:        s.identity.ClientName,
		MessageID:   messageID(message),
		TelematikID: telematikID,
		Outcome:     outcome,
	}
	if err := s.server.journal.Record(s.ctx, entry); err != nil {
		s.WarnLog("failed to write journal entry: %v", err)
	}
}

func (s *Session) handleRset() bool {
	if s.handlerState != stateTransaction {
		return s.stateError("RSET")
	}
	if err := s.mailbox.Rset(); err != nil {
		s.WarnLog("backend RSET failed: %v", err)
		s.writeLine("-ERR backend unavailable")
		return false
	}
	s.writeLine("+OK")
	return false
}

// handleQuit clears pending delete marks and closes the backend session
// before signaling end-of-session.
func (s *Session) handleQuit() {
	if s.mailbox != nil {
		if err := s.mailbox.Rset(); err != nil {
			s.DebugLog("backend RSET on QUIT failed: %v", err)
		}
		if err := s.mailbox.Quit(); err != nil {
			s.DebugLog("backend QUIT failed: %v", err)
		}
		s.mailbox = nil
	}
	s.writeLine("+OK Goodbye")
}

func (s *Session) writeLine(line string) {
	s.writer.WriteString(line + "\r\n")
	s.writer.Flush()
}

func (s *Session) notifyShutdown() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.conn != nil {
		fmt.Fprint(s.conn, "-ERR Server shutting down, please reconnect\r\n")
	}
}

func (s *Session) closeConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.mailbox != nil {
		s.mailbox.Close()
	}
}

func (s *Session) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.server.removeSession(s)

	duration := time.Since(s.startTime).Round(time.Second)
	if s.identity.ClientName != "" {
		s.Log("disconnected (duration: %v)", duration)
	} else {
		s.Log("disconnected unauthenticated (duration: %v)", duration)
	}
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()

	if s.mailbox != nil {
		s.mailbox.Close()
		s.mailbox = nil
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Log logs at INFO level with session context.
func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", "proto", "pop3", "remote", s.remoteIP, "user", s.userLabel(), "msg", fmt.Sprintf(format, args...))
}

// DebugLog logs at DEBUG level with session context.
func (s *Session) DebugLog(format string, args ...any) {
	if s.server.debug {
		logger.Debug("Session", "proto", "pop3", "remote", s.remoteIP, "user", s.userLabel(), "msg", fmt.Sprintf(format, args...))
	}
}

// WarnLog logs at WARN level with session context.
func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", "proto", "pop3", "remote", s.remoteIP, "user", s.userLabel(), "msg", fmt.Sprintf(format, args...))
}

func (s *Session) userLabel() string {
	if s.identity.ClientName != "" {
		return s.identity.ClientName
	}
	return "none"
}

// maskCommand hides credentials in debug command logging.
func maskCommand(cmd, line string) string {
	switch cmd {
	case "PASS":
		return "PASS ****"
	case "AUTH":
		fields := strings.Fields(line)
		if len(fields) > 2 {
			return fields[0] + " " + fields[1] + " ****"
		}
		return line
	default:
		return line
	}
}

// messageID extracts the Message-Id header for the journal, "" when absent.
func messageID(message []byte) string {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(message)))
	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return ""
	}
	return strings.Trim(header.Get("Message-Id"), "<>")
}

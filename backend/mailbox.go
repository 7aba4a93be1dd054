package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/openkim/kimgate/logger"
)

// ListEntry is one STAT/LIST/UIDL line from the backend.
type ListEntry struct {
	Number int
	Size   int64
	UID    string
}

// Mailbox is an open POP3 connection to a backend mailbox server. It is
// owned by exactly one gateway session and used strictly sequentially.
type Mailbox struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	addr   string
}

// Dial connects to a backend POP3 server, resolving the hostname first, and
// consumes the greeting. The caller authenticates afterwards with Login.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Mailbox, error) {
	resolved, err := ResolveAddr(ctx, addr)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to backend %s: %w", resolved, err)
	}

	m := &Mailbox{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		addr:   resolved,
	}
	greeting, err := m.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read backend greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "+OK") {
		conn.Close()
		return nil, fmt.Errorf("unexpected backend greeting: %s", greeting)
	}
	logger.Debug("connected to backend mailbox", "addr", resolved)
	return m, nil
}

// Addr returns the resolved backend address.
func (m *Mailbox) Addr() string { return m.addr }

// Login authenticates with USER/PASS.
func (m *Mailbox) Login(user, pass string) error {
	if _, err := m.command("USER " + user); err != nil {
		return fmt.Errorf("backend rejected USER: %w", err)
	}
	if _, err := m.command("PASS " + pass); err != nil {
		return fmt.Errorf("backend rejected PASS: %w", err)
	}
	return nil
}

// Stat returns the message count and total mailbox size.
func (m *Mailbox) Stat() (int, int64, error) {
	resp, err := m.command("STAT")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("malformed STAT response: %s", resp)
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed STAT count: %s", resp)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed STAT size: %s", resp)
	}
	return count, size, nil
}

// List returns the size of one message.
func (m *Mailbox) List(n int) (ListEntry, error) {
	resp, err := m.command(fmt.Sprintf("LIST %d", n))
	if err != nil {
		return ListEntry{}, err
	}
	return parseNumberedEntry(resp, false)
}

// ListAll returns the sizes of every message.
func (m *Mailbox) ListAll() ([]ListEntry, error) {
	return m.numberedListing("LIST", false)
}

// Uidl returns the unique ID of one message.
func (m *Mailbox) Uidl(n int) (ListEntry, error) {
	resp, err := m.command(fmt.Sprintf("UIDL %d", n))
	if err != nil {
		return ListEntry{}, err
	}
	return parseNumberedEntry(resp, true)
}

// UidlAll returns the unique IDs of every message.
func (m *Mailbox) UidlAll() ([]ListEntry, error) {
	return m.numberedListing("UIDL", true)
}

// Retr fetches one full message, with the POP3 dot-stuffing removed.
func (m *Mailbox) Retr(n int) ([]byte, error) {
	if _, err := m.command(fmt.Sprintf("RETR %d", n)); err != nil {
		return nil, err
	}
	return m.readMultiline()
}

// Top fetches the headers and the first lines of a message body.
func (m *Mailbox) Top(n, lines int) ([]byte, error) {
	if _, err := m.command(fmt.Sprintf("TOP %d %d", n, lines)); err != nil {
		return nil, err
	}
	return m.readMultiline()
}

// Dele marks a message for deletion.
func (m *Mailbox) Dele(n int) error {
	_, err := m.command(fmt.Sprintf("DELE %d", n))
	return err
}

// Rset clears all delete marks.
func (m *Mailbox) Rset() error {
	_, err := m.command("RSET")
	return err
}

// Quit ends the backend session cleanly and closes the connection. Delete
// marks committed by the backend on QUIT are the backend's business; Close
// without Quit leaves them uncommitted.
func (m *Mailbox) Quit() error {
	_, err := m.command("QUIT")
	m.conn.Close()
	return err
}

// Close drops the connection without QUIT, leaving delete marks uncommitted.
func (m *Mailbox) Close() error {
	return m.conn.Close()
}

// command sends one line and reads the single-line status response, returning
// the text after "+OK" or an error carrying the "-ERR" text.
func (m *Mailbox) command(line string) (string, error) {
	if _, err := m.writer.WriteString(line + "\r\n"); err != nil {
		return "", fmt.Errorf("failed to write to backend: %w", err)
	}
	if err := m.writer.Flush(); err != nil {
		return "", fmt.Errorf("failed to write to backend: %w", err)
	}
	resp, err := m.readLine()
	if err != nil {
		return "", fmt.Errorf("failed to read backend response: %w", err)
	}
	if strings.HasPrefix(resp, "+OK") {
		return strings.TrimSpace(strings.TrimPrefix(resp, "+OK")), nil
	}
	return "", fmt.Errorf("backend error: %s", strings.TrimSpace(strings.TrimPrefix(resp, "-ERR")))
}

func (m *Mailbox) readLine() (string, error) {
	line, err := m.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readMultiline consumes a dot-terminated response body and removes the
// byte-stuffing the backend applied.
func (m *Mailbox) readMultiline() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := m.readLine()
		if err != nil {
			return nil, fmt.Errorf("failed to read backend body: %w", err)
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

func (m *Mailbox) numberedListing(cmd string, uidl bool) ([]ListEntry, error) {
	if _, err := m.command(cmd); err != nil {
		return nil, err
	}
	var entries []ListEntry
	for {
		line, err := m.readLine()
		if err != nil {
			return nil, fmt.Errorf("failed to read backend listing: %w", err)
		}
		if line == "." {
			break
		}
		entry, err := parseNumberedEntry(line, uidl)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseNumberedEntry(line string, uidl bool) (ListEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ListEntry{}, fmt.Errorf("malformed listing line: %s", line)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return ListEntry{}, fmt.Errorf("malformed message number: %s", line)
	}
	entry := ListEntry{Number: n}
	if uidl {
		entry.UID = fields[1]
		return entry, nil
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return ListEntry{}, fmt.Errorf("malformed message size: %s", line)
	}
	entry.Size = size
	return entry, nil
}

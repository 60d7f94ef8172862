// Package nntpwire provides the low-level NNTP wire codec the access layer
// consumes. This is the "external collaborator" named in spec.md section 1
// (assumed to be provided by an NNTP client library exposing group, article,
// head, over, hdr, list, post, capabilities); this package supplies a real,
// minimal implementation of that shape so the core is independently
// testable and runnable, grounded in go-pugleaf's internal/nntp client
// (nntp-client.go, nntp-client-commands.go).
package nntpwire

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Response codes used throughout the codec, named the way go-pugleaf names
// them in nntp-client.go rather than left as magic numbers.
const (
	CodeGreetingPostingAllowed    = 200
	CodeGreetingPostingProhibited = 201
	CodeCapabilitiesFollow        = 101
	CodeGroupSelected             = 211
	CodeArticleFollows            = 220
	CodeHeadFollows               = 221
	CodeBodyFollows               = 222
	CodeArticleExists             = 223
	CodeOverviewFollows           = 224
	CodeHdrFollows                = 225
	CodeListFollows               = 215
	CodeSendArticle               = 340
	CodePosted                    = 240
	CodeAuthContinue              = 381
	CodeAuthAccepted              = 281
	CodeNoSuchGroup               = 411
	CodeNoSuchArticle             = 430
	CodeArticleRemoved            = 451
	CodePostingNotPermitted       = 440
	CodePostingFailed             = 441
	CodeAuthRequired              = 480
)

// Capabilities records what an upstream server advertises, refreshed on
// every (re)connect. Mirrors the Capabilities record of spec.md section 3.
type Capabilities struct {
	SupportsOver       bool
	SupportsHdr         bool
	SupportsPost        bool
	GreetingAllowsPost  bool
	ListVariants        map[string]bool
	Retrieved           bool
}

// GroupInfo is the result of selecting a newsgroup with GROUP.
type GroupInfo struct {
	Name  string
	Count int64
	First int64
	Last  int64
}

// OverviewLine is one row of an OVER/XOVER response.
type OverviewLine struct {
	ArticleNum int64
	Subject    string
	From       string
	Date       string
	MessageID  string
	References string
	Bytes      int64
	Lines      int64
}

// HeaderLine is one row of an HDR/XHDR response.
type HeaderLine struct {
	ArticleNum int64
	Value      string
}

// Article is a parsed article: headers plus body, charset-normalized.
type Article struct {
	MessageID string
	Headers   map[string][]string
	Body      string
	Bytes     int
	Lines     int
}

// ErrNoSuchArticle/ErrArticleRemoved/ErrNoSuchGroup are the protocol-logical
// outcomes the access layer distinguishes from transport failure, mirroring
// go-pugleaf's ErrArticleNotFound/ErrArticleRemoved sentinels.
var (
	ErrNoSuchArticle      = fmt.Errorf("nntpwire: no such article")
	ErrArticleRemoved     = fmt.Errorf("nntpwire: article removed")
	ErrNoSuchGroup        = fmt.Errorf("nntpwire: no such group")
	ErrAuthFailed         = fmt.Errorf("nntpwire: authentication failed")
	ErrPostNotPermitted   = fmt.Errorf("nntpwire: posting not permitted")
	ErrPostRejected       = fmt.Errorf("nntpwire: posting rejected")
)

// Conn is the interface the access layer's Worker drives. A TextConn backed
// by a real TCP/TLS socket is the default implementation; tests substitute a
// fake.
type Conn interface {
	Capabilities() (Capabilities, error)
	ModeReader() error
	Authenticate(user, password string) error
	Group(name string) (GroupInfo, error)
	Article(messageID string) (*Article, error)
	Head(messageID string) (*Article, error)
	Stat(messageID string) (bool, error)
	Over(first, last int64) ([]OverviewLine, error)
	Hdr(field string, first, last int64) ([]HeaderLine, error)
	ListActive() ([]GroupInfo, error)
	ListNewsgroups() (map[string]string, error)
	Post(article []byte) error
	Close() error
}

// DialConfig configures a TextConn dial, the connection-level analogue of
// go-pugleaf's BackendConfig. Credentials are not here: authentication
// happens after capability negotiation, via Authenticate, per spec.md 4.1's
// Greeted-state ordering.
type DialConfig struct {
	Host           string
	Port           int
	TLS            bool
	ConnectTimeout time.Duration
}

// TextConn is a net/textproto based implementation of Conn, grounded in
// go-pugleaf's BackendConn (nntp-client.go, nntp-client-commands.go).
type TextConn struct {
	conn     net.Conn
	text     *textproto.Conn
	greeting int
}

// Dial connects and reads the greeting, the way BackendConn.Connect does.
// Capability negotiation and authentication happen afterward, driven by the
// caller (Worker.connect), so CAPABILITIES/MODE READER can precede AUTHINFO.
func Dial(cfg DialConfig) (*TextConn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var conn net.Conn
	var err error
	if cfg.TLS {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("nntpwire: dial %s: %w", addr, err)
	}

	tc := &TextConn{conn: conn, text: textproto.NewConn(conn)}

	code, _, err := tc.text.ReadCodeLine(CodeGreetingPostingAllowed)
	if err != nil {
		// A prohibited-posting greeting (201) is also valid; only Reading at
		// code 200 reports an error, so retry the classification by hand.
		if code != CodeGreetingPostingProhibited {
			tc.Close()
			return nil, fmt.Errorf("nntpwire: read greeting: %w", err)
		}
	}
	tc.greeting = code

	return tc, nil
}

// Authenticate issues AUTHINFO USER/PASS. Called after capability
// negotiation (CAPABILITIES, MODE READER) per spec.md 4.1's Greeted-state
// ordering, the way BackendConn authenticates once a session is established.
func (c *TextConn) Authenticate(user, pass string) error {
	id, err := c.text.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return fmt.Errorf("nntpwire: send AUTHINFO USER: %w", err)
	}
	c.text.StartResponse(id)
	code, msg, err := c.text.ReadCodeLine(CodeAuthContinue)
	c.text.EndResponse(id)
	if err != nil && code != CodeAuthAccepted {
		return fmt.Errorf("%w: AUTHINFO USER: %d %s", ErrAuthFailed, code, msg)
	}

	id, err = c.text.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return fmt.Errorf("nntpwire: send AUTHINFO PASS: %w", err)
	}
	c.text.StartResponse(id)
	code, msg, err = c.text.ReadCodeLine(CodeAuthAccepted)
	c.text.EndResponse(id)
	if err != nil {
		return fmt.Errorf("%w: AUTHINFO PASS: %d %s", ErrAuthFailed, code, msg)
	}
	return nil
}

// Capabilities issues CAPABILITIES and falls back to a conservative default
// for servers predating RFC 3977.
func (c *TextConn) Capabilities() (Capabilities, error) {
	caps := Capabilities{ListVariants: map[string]bool{}}

	id, err := c.text.Cmd("CAPABILITIES")
	if err != nil {
		return caps, fmt.Errorf("nntpwire: send CAPABILITIES: %w", err)
	}
	c.text.StartResponse(id)
	code, _, err := c.text.ReadCodeLine(CodeCapabilitiesFollow)
	if err != nil || code != CodeCapabilitiesFollow {
		c.text.EndResponse(id)
		// Legacy server: assume OVER/HDR via XOVER/XHDR, and derive POST
		// support from the greeting code alone rather than probing further.
		caps.SupportsOver = true
		caps.SupportsHdr = true
		caps.SupportsPost = c.greeting == CodeGreetingPostingAllowed
		caps.GreetingAllowsPost = c.greeting == CodeGreetingPostingAllowed
		return caps, nil
	}
	lines, err := readDotTerminated(c.text)
	c.text.EndResponse(id)
	if err != nil {
		return caps, fmt.Errorf("nntpwire: read CAPABILITIES: %w", err)
	}

	for _, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case upper == "OVER" || strings.HasPrefix(upper, "OVER "):
			caps.SupportsOver = true
		case upper == "HDR" || strings.HasPrefix(upper, "HDR "):
			caps.SupportsHdr = true
		case upper == "POST":
			caps.SupportsPost = true
		case strings.HasPrefix(upper, "LIST"):
			for _, variant := range strings.Fields(upper)[1:] {
				caps.ListVariants[strings.ToLower(variant)] = true
			}
		}
	}
	caps.GreetingAllowsPost = c.greeting == CodeGreetingPostingAllowed
	caps.Retrieved = true
	return caps, nil
}

// ModeReader issues MODE READER, accepted by some split reader/transit
// servers to switch into article-serving mode. A rejection here is not
// fatal; many servers don't implement the split and answer with whatever
// code, so the caller treats any response as informational.
func (c *TextConn) ModeReader() error {
	id, err := c.text.Cmd("MODE READER")
	if err != nil {
		return fmt.Errorf("nntpwire: send MODE READER: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	_, _, _ = c.text.ReadCodeLine(CodeGreetingPostingAllowed)
	return nil
}

func (c *TextConn) Group(name string) (GroupInfo, error) {
	id, err := c.text.Cmd("GROUP %s", name)
	if err != nil {
		return GroupInfo{}, fmt.Errorf("nntpwire: send GROUP: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(CodeGroupSelected)
	if err != nil {
		if code == CodeNoSuchGroup {
			return GroupInfo{}, ErrNoSuchGroup
		}
		return GroupInfo{}, fmt.Errorf("nntpwire: GROUP %s: %w", name, err)
	}

	parts := strings.Fields(msg)
	if len(parts) < 3 {
		return GroupInfo{}, fmt.Errorf("nntpwire: malformed GROUP response %q", msg)
	}
	count, _ := strconv.ParseInt(parts[0], 10, 64)
	first, _ := strconv.ParseInt(parts[1], 10, 64)
	last, _ := strconv.ParseInt(parts[2], 10, 64)
	return GroupInfo{Name: name, Count: count, First: first, Last: last}, nil
}

func (c *TextConn) Article(messageID string) (*Article, error) {
	return c.retrieveFull("ARTICLE", messageID, CodeArticleFollows)
}

func (c *TextConn) Head(messageID string) (*Article, error) {
	return c.retrieveFull("HEAD", messageID, CodeHeadFollows)
}

func (c *TextConn) retrieveFull(cmd, messageID string, okCode int) (*Article, error) {
	id, err := c.text.Cmd("%s %s", cmd, messageID)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: send %s: %w", cmd, err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, _, err := c.text.ReadCodeLine(okCode)
	if err != nil {
		switch code {
		case CodeNoSuchArticle:
			return nil, ErrNoSuchArticle
		case CodeArticleRemoved:
			return nil, ErrArticleRemoved
		default:
			return nil, fmt.Errorf("nntpwire: %s %s: %w", cmd, messageID, err)
		}
	}

	lines, err := readDotTerminated(c.text)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: read %s body: %w", cmd, err)
	}
	return parseArticle(messageID, lines, cmd == "HEAD")
}

func (c *TextConn) Stat(messageID string) (bool, error) {
	id, err := c.text.Cmd("STAT %s", messageID)
	if err != nil {
		return false, fmt.Errorf("nntpwire: send STAT: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, _, err := c.text.ReadCodeLine(CodeArticleExists)
	switch code {
	case CodeArticleExists:
		return true, nil
	case CodeNoSuchArticle, CodeArticleRemoved:
		return false, nil
	default:
		if err != nil {
			return false, fmt.Errorf("nntpwire: STAT %s: %w", messageID, err)
		}
		return false, nil
	}
}

func (c *TextConn) Over(first, last int64) ([]OverviewLine, error) {
	id, err := c.text.Cmd("OVER %d-%d", first, last)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: send OVER: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(CodeOverviewFollows)
	if err != nil || code != CodeOverviewFollows {
		return nil, fmt.Errorf("nntpwire: OVER %d-%d: %d %s", first, last, code, msg)
	}
	lines, err := readDotTerminated(c.text)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: read OVER: %w", err)
	}
	out := make([]OverviewLine, 0, len(lines))
	for _, line := range lines {
		if ov, ok := parseOverviewLine(line); ok {
			out = append(out, ov)
		}
	}
	return out, nil
}

func (c *TextConn) Hdr(field string, first, last int64) ([]HeaderLine, error) {
	id, err := c.text.Cmd("HDR %s %d-%d", field, first, last)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: send HDR: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(CodeHdrFollows)
	if err != nil || code != CodeHdrFollows {
		return nil, fmt.Errorf("nntpwire: HDR %s %d-%d: %d %s", field, first, last, code, msg)
	}
	lines, err := readDotTerminated(c.text)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: read HDR: %w", err)
	}
	out := make([]HeaderLine, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		num, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, HeaderLine{ArticleNum: num, Value: parts[1]})
	}
	return out, nil
}

func (c *TextConn) ListActive() ([]GroupInfo, error) {
	id, err := c.text.Cmd("LIST ACTIVE")
	if err != nil {
		return nil, fmt.Errorf("nntpwire: send LIST ACTIVE: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(CodeListFollows)
	if err != nil || code != CodeListFollows {
		return nil, fmt.Errorf("nntpwire: LIST ACTIVE: %d %s", code, msg)
	}
	lines, err := readDotTerminated(c.text)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: read LIST ACTIVE: %w", err)
	}
	out := make([]GroupInfo, 0, len(lines))
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		last, _ := strconv.ParseInt(parts[1], 10, 64)
		first, _ := strconv.ParseInt(parts[2], 10, 64)
		count := int64(0)
		if last >= first {
			count = last - first + 1
		}
		out = append(out, GroupInfo{Name: parts[0], Count: count, First: first, Last: last})
	}
	return out, nil
}

func (c *TextConn) ListNewsgroups() (map[string]string, error) {
	id, err := c.text.Cmd("LIST NEWSGROUPS")
	if err != nil {
		return nil, fmt.Errorf("nntpwire: send LIST NEWSGROUPS: %w", err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(CodeListFollows)
	if err != nil || code != CodeListFollows {
		return nil, fmt.Errorf("nntpwire: LIST NEWSGROUPS: %d %s", code, msg)
	}
	lines, err := readDotTerminated(c.text)
	if err != nil {
		return nil, fmt.Errorf("nntpwire: read LIST NEWSGROUPS: %w", err)
	}
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			parts = strings.SplitN(line, " ", 2)
		}
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = strings.TrimSpace(parts[1])
	}
	return out, nil
}

func (c *TextConn) Post(article []byte) error {
	id, err := c.text.Cmd("POST")
	if err != nil {
		return fmt.Errorf("nntpwire: send POST: %w", err)
	}
	c.text.StartResponse(id)
	code, msg, err := c.text.ReadCodeLine(CodeSendArticle)
	c.text.EndResponse(id)
	if err != nil {
		if code == CodePostingNotPermitted {
			return ErrPostNotPermitted
		}
		return fmt.Errorf("nntpwire: POST: %d %s", code, msg)
	}

	id = c.text.Next()
	c.text.StartRequest(id)
	dw := c.text.DotWriter()
	w := bufio.NewWriter(dw)
	for _, line := range strings.Split(string(article), "\r\n") {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			c.text.EndRequest(id)
			return fmt.Errorf("nntpwire: write article: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		c.text.EndRequest(id)
		return fmt.Errorf("nntpwire: flush article: %w", err)
	}
	if err := dw.Close(); err != nil {
		c.text.EndRequest(id)
		return fmt.Errorf("nntpwire: terminate article: %w", err)
	}
	c.text.EndRequest(id)

	c.text.StartResponse(id)
	code, msg, err = c.text.ReadCodeLine(CodePosted)
	c.text.EndResponse(id)
	if err != nil {
		if code == CodePostingFailed {
			return ErrPostRejected
		}
		return fmt.Errorf("nntpwire: POST result: %d %s", code, msg)
	}
	return nil
}

func (c *TextConn) Close() error {
	if c.text != nil {
		return c.text.Close()
	}
	return nil
}

func readDotTerminated(text *textproto.Conn) ([]string, error) {
	var lines []string
	for {
		line, err := text.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func parseOverviewLine(line string) (OverviewLine, bool) {
	parts := strings.Split(line, "\t")
	if len(parts) < 7 {
		return OverviewLine{}, false
	}
	num, _ := strconv.ParseInt(parts[0], 10, 64)
	bytes, _ := strconv.ParseInt(parts[6], 10, 64)
	var lineCount int64
	if len(parts) > 7 {
		lineCount, _ = strconv.ParseInt(parts[7], 10, 64)
	}
	return OverviewLine{
		ArticleNum: num,
		Subject:    parts[1],
		From:       parts[2],
		Date:       parts[3],
		MessageID:  parts[4],
		References: parts[5],
		Bytes:      bytes,
		Lines:      lineCount,
	}, true
}

// parseArticle splits header lines from body on the first blank line,
// charset-normalizes header values and the body, and joins the body with
// LF. Grounded in
// go-pugleaf's ParseLegacyArticleLines/ParseHeaders, trimmed of the
// peering-specific NNTPhead/NNTPbody retention this gateway has no use for.
func parseArticle(messageID string, lines []string, headersOnly bool) (*Article, error) {
	headerEnd := len(lines)
	for i, line := range lines {
		if line == "" {
			headerEnd = i
			break
		}
	}

	headers := map[string][]string{}
	var currentHeader string
	for _, line := range lines[:headerEnd] {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if currentHeader != "" && len(headers[currentHeader]) > 0 {
				last := len(headers[currentHeader]) - 1
				headers[currentHeader][last] += " " + strings.TrimSpace(line)
			}
			continue
		}
		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := normalizeText(strings.TrimSpace(line[colon+1:]))
		currentHeader = name
		headers[name] = append(headers[name], value)
	}

	article := &Article{MessageID: messageID, Headers: headers}
	if !headersOnly && headerEnd+1 <= len(lines) {
		body := normalizeText(strings.Join(lines[headerEnd+1:], "\n"))
		article.Body = body
		article.Bytes = len(body)
		article.Lines = len(lines) - headerEnd - 1
	}
	return article, nil
}

// normalizeText converts Latin-1 text to UTF-8 when it isn't already valid
// UTF-8, trimmed from go-pugleaf's ConvertToUTF8 (the HTML-escaping half of
// that function belongs to view rendering, out of scope here).
func normalizeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	decoded, _, err := transform.String(charmap.ISO8859_1.NewDecoder(), s)
	if err != nil {
		return s
	}
	return decoded
}

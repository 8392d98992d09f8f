package imap

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"

	"github.com/jamespo/check-mailrelay/internal/config"
)

const (
	imapTestUser = "james"
	imapTestPass = "x"
)

// testServer is an in-memory IMAPS server on 127.0.0.1.
type testServer struct {
	addr      string
	port      int
	clientTLS *tls.Config

	logins     atomic.Int32
	cramLogins atomic.Int32
}

// newTestServer starts the server. With cram set, sessions advertise and
// accept AUTH=CRAM-MD5.
func newTestServer(t *testing.T, cram bool) *testServer {
	t.Helper()
	return newFaultyServer(t, serverFaults{cram: cram})
}

// serverFaults makes the test server misbehave after login.
type serverFaults struct {
	cram      bool
	selectErr error
	searchErr error
	// stallSearch blocks every SEARCH until the test ends.
	stallSearch bool
}

func newFaultyServer(t *testing.T, faults serverFaults) *testServer {
	t.Helper()

	serverTLS, clientTLS := newTestTLS(t)

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(imapTestUser, imapTestPass)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatal(err)
	}
	memSrv.AddUser(user)

	ts := &testServer{clientTLS: clientTLS}

	release := make(chan struct{})

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			sess := &countingSession{Session: memSrv.NewSession(), logins: &ts.logins}
			if faults.cram {
				return &cramSession{countingSession: sess, cramLogins: &ts.cramLogins}, nil, nil
			}
			return &faultySession{Session: sess, faults: faults, release: release}, nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
	})

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ts.addr = ln.Addr().String()
	_, port, _ := net.SplitHostPort(ts.addr)
	ts.port, _ = strconv.Atoi(port)
	return ts
}

func (ts *testServer) account() *config.Account {
	return &config.Account{
		Name:     "default",
		User:     imapTestUser,
		Password: imapTestPass,
		Server:   "127.0.0.1",
		Port:     ts.port,
		Folder:   "INBOX",
	}
}

func (ts *testServer) dial(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.DialTLS(ts.addr, &imapclient.Options{TLSConfig: ts.clientTLS})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Login(imapTestUser, imapTestPass).Wait(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// appendMail stores a message with the given subject directly, bypassing the
// session under test.
func (ts *testServer) appendMail(t *testing.T, mailbox, subject string) {
	t.Helper()

	raw := buildMessage(t, subject)

	c := ts.dial(t)
	appendCmd := c.Append(mailbox, int64(len(raw)), nil)
	if _, err := appendCmd.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := appendCmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := c.Logout().Wait(); err != nil {
		t.Fatal(err)
	}
}

// seenFlags returns, per sequence number, whether \Seen is set.
func (ts *testServer) seenFlags(t *testing.T, mailbox string) map[uint32]bool {
	t.Helper()

	c := ts.dial(t)
	data, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint32]bool)
	if data.NumMessages == 0 {
		return seen
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(1, data.NumMessages)
	msgs, err := c.Fetch(seqSet, &imap.FetchOptions{Flags: true}).Collect()
	if err != nil {
		t.Fatal(err)
	}
	for _, msg := range msgs {
		seen[msg.SeqNum] = false
		for _, f := range msg.Flags {
			if f == imap.FlagSeen {
				seen[msg.SeqNum] = true
			}
		}
	}
	return seen
}

func buildMessage(t *testing.T, subject string) []byte {
	t.Helper()

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "Relay Canary", Address: "canary@relay.example.com"}})
	h.SetAddressList("To", []*mail.Address{{Address: "james@example.com"}})
	h.SetSubject(subject)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "relay heartbeat\r\n"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// newTestTLS returns a server config with a self-signed certificate for
// 127.0.0.1 and a client config trusting it.
func newTestTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "check-mailrelay test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
	client = &tls.Config{RootCAs: pool}
	return server, client
}

// countingSession counts LOGIN commands.
type countingSession struct {
	imapserver.Session
	logins *atomic.Int32
}

func (s *countingSession) Login(username, password string) error {
	s.logins.Add(1)
	return s.Session.Login(username, password)
}

// faultySession fails or stalls EXAMINE and SEARCH according to faults.
type faultySession struct {
	imapserver.Session
	faults  serverFaults
	release <-chan struct{}
}

func (s *faultySession) Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error) {
	if s.faults.selectErr != nil {
		return nil, s.faults.selectErr
	}
	return s.Session.Select(mailbox, options)
}

func (s *faultySession) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	if s.faults.stallSearch {
		<-s.release
		return nil, errors.New("server shutting down")
	}
	if s.faults.searchErr != nil {
		return nil, s.faults.searchErr
	}
	return s.Session.Search(kind, criteria, options)
}

// cramSession adds AUTHENTICATE CRAM-MD5 on top of the memory backend.
type cramSession struct {
	*countingSession
	cramLogins *atomic.Int32
}

func (s *cramSession) AuthenticateMechanisms() []string {
	return []string{CramMD5}
}

func (s *cramSession) Authenticate(mech string) (sasl.Server, error) {
	if mech != CramMD5 {
		return nil, fmt.Errorf("unsupported mechanism %s", mech)
	}
	return &cramMD5Server{
		challenge: fmt.Sprintf("<%d.%d@localhost>", time.Now().UnixNano(), 4242),
		login: func(username string) error {
			if username != imapTestUser {
				return errors.New("invalid credentials")
			}
			s.cramLogins.Add(1)
			// The backend only knows LOGIN; bypass the counter.
			return s.countingSession.Session.Login(username, imapTestPass)
		},
	}, nil
}

type cramMD5Server struct {
	challenge string
	sent      bool
	login     func(username string) error
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if !s.sent {
		s.sent = true
		return []byte(s.challenge), false, nil
	}

	username, digest, ok := strings.Cut(string(response), " ")
	if !ok {
		return nil, true, errors.New("malformed CRAM-MD5 response")
	}
	want := cramMD5Digest(imapTestPass, []byte(s.challenge))
	if username != imapTestUser || !hmac.Equal([]byte(digest), []byte(want)) {
		return nil, true, errors.New("invalid credentials")
	}
	return nil, true, s.login(username)
}

// syncBuffer collects the protocol trace written from the client's reader
// and writer goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// freePort returns a port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// silentListener accepts connections and never writes to them. With
// handshake set it completes the TLS handshake first, then goes quiet. The
// returned config trusts the listener's certificate.
func silentListener(t *testing.T, handshake bool) (int, *tls.Config) {
	t.Helper()

	serverTLS, clientTLS := newTestTLS(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if handshake {
				tlsConn := tls.Server(conn, serverTLS)
				go tlsConn.Handshake()
				conn = tlsConn
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	return ln.Addr().(*net.TCPAddr).Port, clientTLS
}

package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/jamespo/check-mailrelay/internal/config"
)

// DefaultTimeout bounds every network step of a Session.
const DefaultTimeout = 10 * time.Second

type Options struct {
	// Timeout applies to each step separately: dial, TLS handshake, greeting,
	// and every IMAP command.
	Timeout time.Duration

	// TLSConfig is cloned per connection. ServerName defaults to the account
	// server.
	TLSConfig *tls.Config

	Logger *zap.Logger

	// DebugWriter receives the raw protocol exchange, credentials included.
	DebugWriter io.Writer
}

// Session owns a single IMAPS connection used for one subject search. It is
// not safe for concurrent use.
type Session struct {
	timeout     time.Duration
	tlsConfig   *tls.Config
	logger      *zap.Logger
	debugWriter io.Writer

	conn   net.Conn
	client *imapclient.Client
	state  State
	// broken is set once the connection has been torn down under a
	// pending command.
	broken bool
}

// NewSession returns an unconnected Session. A nil opts uses the defaults.
func NewSession(opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}

	s := &Session{
		timeout:     opts.Timeout,
		tlsConfig:   opts.TLSConfig,
		logger:      opts.Logger,
		debugWriter: opts.DebugWriter,
		state:       StateUnauthenticated,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// State returns where the session is in its lifecycle.
func (s *Session) State() State {
	return s.state
}

func (s *Session) setState(state State) {
	s.logger.Debug("session state",
		zap.Stringer("from", s.state),
		zap.Stringer("to", state))
	s.state = state
}

// Connect dials the account server over TLS and logs in, preferring
// CRAM-MD5 when the server advertises it.
func (s *Session) Connect(ctx context.Context, acct *config.Account) error {
	if s.state != StateUnauthenticated {
		return fmt.Errorf("%w: connect called in state %s", ErrSession, s.state)
	}

	password, err := acct.GetPassword()
	if err != nil {
		return fmt.Errorf("failed to get password: %w", err)
	}

	if err := s.dial(ctx, acct); err != nil {
		return err
	}

	if err := s.login(ctx, acct.User, password); err != nil {
		s.teardown()
		return err
	}

	s.setState(StateAuthenticated)
	return nil
}

func (s *Session) dial(ctx context.Context, acct *config.Account) error {
	addr := acct.Address()
	s.broken = false
	s.logger.Debug("connecting",
		zap.String("addr", addr),
		zap.Duration("timeout", s.timeout))

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return classify(ErrNetwork, "dial "+addr, err)
	}

	var tlsConfig *tls.Config
	if s.tlsConfig != nil {
		tlsConfig = s.tlsConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = acct.Server
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn := tls.Client(raw, tlsConfig)
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		raw.Close()
		return classify(ErrNetwork, "tls handshake", err)
	}

	s.conn = conn
	s.client = imapclient.New(conn, &imapclient.Options{
		DebugWriter: s.debugWriter,
	})

	if err := s.await(ctx, "greeting", s.client.WaitGreeting); err != nil {
		s.teardown()
		return classify(ErrNetwork, "greeting", err)
	}
	return nil
}

func (s *Session) login(ctx context.Context, user, password string) error {
	c := s.client

	var caps imap.CapSet
	err := s.await(ctx, "capability", func() error {
		var err error
		caps, err = c.Capability().Wait()
		return err
	})
	if err != nil {
		return classify(ErrProtocol, "capability", err)
	}

	if caps.Has(imap.Cap("AUTH=" + CramMD5)) {
		s.logger.Debug("authenticating", zap.String("mechanism", CramMD5), zap.String("user", user))
		err = s.await(ctx, "authenticate", func() error {
			return c.Authenticate(NewCramMD5Client(user, password))
		})
	} else {
		s.logger.Debug("authenticating", zap.String("mechanism", "LOGIN"), zap.String("user", user))
		err = s.await(ctx, "login", func() error {
			return c.Login(user, password).Wait()
		})
	}
	if err != nil {
		return classify(ErrAuthRejected, "login as "+user, err)
	}
	return nil
}

// SearchSubject examines folder read-only and searches it for messages whose
// Subject contains tag.
func (s *Session) SearchSubject(ctx context.Context, folder, tag string) (*SearchResult, error) {
	if s.state != StateAuthenticated {
		return nil, fmt.Errorf("%w: search called in state %s", ErrSession, s.state)
	}
	if tag == "" {
		return nil, fmt.Errorf("%w: empty subject tag", ErrSession)
	}

	c := s.client

	var selected *imap.SelectData
	err := s.await(ctx, "select", func() error {
		var err error
		selected, err = c.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		kind := ErrFolderUnavailable
		if imapErr, ok := statusError(err); ok && imapErr.Type == imap.StatusResponseTypeBad {
			kind = ErrProtocol
		}
		return nil, classify(kind, "select "+folder, err)
	}
	s.logger.Debug("folder selected",
		zap.String("folder", folder),
		zap.Uint32("messages", selected.NumMessages))

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{
			Key:   "Subject",
			Value: tag,
		}},
	}

	var data *imap.SearchData
	err = s.await(ctx, "search", func() error {
		var err error
		data, err = c.Search(criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, classify(ErrProtocol, "search "+folder, err)
	}

	ids := data.AllSeqNums()
	if ids == nil {
		ids = []uint32{}
	}
	s.logger.Debug("search complete",
		zap.String("tag", tag),
		zap.Int("matches", len(ids)))

	s.setState(StateSelected)
	return &SearchResult{
		Folder:        folder,
		Tag:           tag,
		Found:         len(ids) > 0,
		MatchedIDs:    ids,
		TotalMessages: selected.NumMessages,
	}, nil
}

// Close closes the selected mailbox, logs out, and drops the connection.
// Failures along the way are logged, never returned. Calling Close again is
// a no-op.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}

	c := s.client
	if c != nil && !s.broken {
		switch s.state {
		case StateSelected:
			// CLOSE on an EXAMINEd mailbox expunges nothing.
			if err := s.await(context.Background(), "close", func() error {
				return c.UnselectAndExpunge().Wait()
			}); err != nil {
				s.logger.Debug("close mailbox failed", zap.Error(err))
			}
			fallthrough
		case StateAuthenticated:
			if s.broken {
				break
			}
			if err := s.await(context.Background(), "logout", func() error {
				return c.Logout().Wait()
			}); err != nil {
				s.logger.Debug("logout failed", zap.Error(err))
			}
		}
	}

	s.teardown()
	s.setState(StateClosed)
}

func (s *Session) teardown() {
	if s.client != nil {
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("connection close failed", zap.Error(err))
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.client = nil
	s.conn = nil
}

// await runs fn, bounding it by the session timeout and ctx. When the bound
// is hit the connection is dropped so fn cannot block past it.
func (s *Session) await(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.broken = true
		if s.conn != nil {
			s.conn.Close()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, op, s.timeout)
		}
		return fmt.Errorf("%w: %s: %w", ErrSession, op, ctx.Err())
	}
}

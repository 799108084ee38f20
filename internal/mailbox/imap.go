package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/foxzi/newsmail/internal/config"
)

// IMAP is a Mailbox backed by one selected IMAP folder. Ids are UIDs.
type IMAP struct {
	client *imapclient.Client
	logger *slog.Logger
}

// Dial connects, logs in and selects the configured folder
func Dial(cfg *config.BounceConfig, logger *slog.Logger) (*IMAP, error) {
	var (
		c   *imapclient.Client
		err error
	)
	switch cfg.TLS {
	case "tls":
		c, err = imapclient.DialTLS(cfg.Addr, nil)
	case "starttls":
		c, err = imapclient.DialStartTLS(cfg.Addr, nil)
	default:
		c, err = imapclient.DialInsecure(cfg.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to log in as %s: %w", cfg.Username, err)
	}
	data, err := c.Select(cfg.Mailbox, nil).Wait()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to select %s: %w", cfg.Mailbox, err)
	}

	logger = logger.With("component", "imap", "mailbox", cfg.Mailbox)
	logger.Debug("mailbox selected", "messages", data.NumMessages)
	return &IMAP{client: c, logger: logger}, nil
}

func (m *IMAP) List(ctx context.Context, limit int) ([]uint32, error) {
	data, err := m.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}

	uids := data.AllUIDs()
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	ids := make([]uint32, len(uids))
	for i, uid := range uids {
		ids[i] = uint32(uid)
	}
	return ids, nil
}

func (m *IMAP) Fetch(ctx context.Context, id uint32) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := m.client.Fetch(imap.UIDSetNum(imap.UID(id)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, ErrNoMessage
	}
	return msgs[0].FindBodySection(section), nil
}

func (m *IMAP) MarkSeen(ctx context.Context, id uint32) error {
	return m.addFlag(id, imap.FlagSeen)
}

func (m *IMAP) Delete(ctx context.Context, id uint32) error {
	return m.addFlag(id, imap.FlagDeleted)
}

func (m *IMAP) addFlag(id uint32, flag imap.Flag) error {
	err := m.client.Store(imap.UIDSetNum(imap.UID(id)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("failed to flag message %d as %s: %w", id, flag, err)
	}
	return nil
}

func (m *IMAP) Expunge(ctx context.Context) error {
	if err := m.client.Expunge().Close(); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// Close logs out and closes the connection
func (m *IMAP) Close() error {
	if err := m.client.Logout().Wait(); err != nil {
		m.logger.Debug("logout failed", "error", err)
	}
	return m.client.Close()
}

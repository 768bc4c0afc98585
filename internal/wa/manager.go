package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"outreach/internal/model"
	"outreach/internal/platform/logger"
)

// AccountStore is the account persistence the manager writes to.
type AccountStore interface {
	UpdateAccountStatus(id, status, lastError string, msisdnOpt *string) error
	DeviceJID(ctx context.Context, id string) (string, error)
	SetDeviceJID(ctx context.Context, id, jid string) error
}

type Manager struct {
	Container *sqlstore.Container
	Store     AccountStore
	// Greeting is sent as the introduction when a friend request has no payload.
	Greeting string

	log       *zerolog.Logger
	clientLog waLog.Logger

	mu      sync.Mutex
	clients map[string]*whatsmeow.Client

	pairingMu     sync.Mutex
	pairingActive map[string]bool
}

var ErrNotPaired = errors.New("not paired")

func NewManager(ctx context.Context, dsn string, accounts AccountStore) (*Manager, error) {
	l := logger.Named("wa")
	dbLog := waLog.Zerolog(l.With().Str("module", "database").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Container:     container,
		Store:         accounts,
		Greeting:      "Halo, salam kenal!",
		log:           l,
		clientLog:     waLog.Zerolog(l.With().Str("module", "client").Logger()),
		clients:       make(map[string]*whatsmeow.Client),
		pairingActive: make(map[string]bool),
	}, nil
}

func (m *Manager) device(ctx context.Context, accountID string) (*store.Device, error) {
	raw, err := m.Store.DeviceJID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		jid, err := types.ParseJID(raw)
		if err == nil {
			dev, err := m.Container.GetDevice(ctx, jid)
			if err != nil {
				return nil, err
			}
			if dev != nil {
				return dev, nil
			}
		}
	}
	return m.Container.NewDevice(), nil
}

func (m *Manager) ensureClient(accountID string) (*whatsmeow.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[accountID]; ok {
		return c, nil
	}
	dev, err := m.device(context.Background(), accountID)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(dev, m.clientLog)

	// Update account status according to events
	client.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.Connected:
			var msisdn *string
			if client.Store != nil && client.Store.ID != nil && client.Store.ID.User != "" {
				v := client.Store.ID.User
				msisdn = &v
				if err := m.Store.SetDeviceJID(context.Background(), accountID, client.Store.ID.String()); err != nil {
					m.log.Error().Err(err).Str("account", accountID).Msg("save device jid")
				}
			}
			_ = m.Store.UpdateAccountStatus(accountID, model.StatusOnline, "", msisdn)
		case *events.LoggedOut:
			_ = m.Store.UpdateAccountStatus(accountID, model.StatusLoggedOut, "", nil)
		case *events.StreamReplaced:
			_ = m.Store.UpdateAccountStatus(accountID, model.StatusReplaced, "", nil)
		}
	})

	m.clients[accountID] = client
	return client, nil
}

func (m *Manager) StartPairing(ctx context.Context, accountID string) ([]byte, string, error) {
	client, err := m.ensureClient(accountID)
	if err != nil {
		return nil, "", err
	}
	if client.Store.ID != nil {
		return nil, "", fmt.Errorf("already paired")
	}

	// the QR channel must exist before Connect
	qrChan, err := client.GetQRChannel(context.Background())
	if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
		m.log.Debug().Err(err).Str("account", accountID).Msg("pair:qr: channel")
	}

	m.pairingMu.Lock()
	if !m.pairingActive[accountID] {
		m.log.Info().Str("account", accountID).Msg("pair:qr: start connect")
		m.pairingActive[accountID] = true
		go func() {
			if err := client.Connect(); err != nil {
				m.log.Error().Err(err).Str("account", accountID).Msg("pair:qr: connect")
			}
		}()
	}
	m.pairingMu.Unlock()
	_ = m.Store.UpdateAccountStatus(accountID, model.StatusPairing, "", nil)

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				m.endPairing(accountID)
				return nil, "", fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
				if err != nil {
					return nil, "", err
				}
				m.log.Info().Str("account", accountID).Int("len", len(item.Code)).Msg("pair:qr: got code")
				return png, item.Code, nil
			}
			if item.Event != "code" {
				m.endPairing(accountID)
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

func (m *Manager) endPairing(accountID string) {
	m.pairingMu.Lock()
	delete(m.pairingActive, accountID)
	m.pairingMu.Unlock()
}

// RequestPairingCode links the account by phone number instead of QR.
func (m *Manager) RequestPairingCode(ctx context.Context, accountID, msisdn string) (string, error) {
	client, err := m.ensureClient(accountID)
	if err != nil {
		return "", err
	}
	if client.Store.ID != nil {
		return "", fmt.Errorf("already paired")
	}
	if msisdn == "" {
		return "", fmt.Errorf("msisdn required")
	}

	qrChan, _ := client.GetQRChannel(context.Background())
	m.pairingMu.Lock()
	if !m.pairingActive[accountID] {
		m.pairingActive[accountID] = true
		go func() {
			if err := client.Connect(); err != nil {
				m.log.Error().Err(err).Str("account", accountID).Msg("pair:number: connect")
			}
		}()
	}
	m.pairingMu.Unlock()

	// wait for the socket before PairPhone
	select {
	case <-qrChan:
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	code, err := client.PairPhone(ctx, msisdn, false, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		m.log.Error().Err(err).Str("account", accountID).Msg("pair:number: PairPhone")
		return "", err
	}
	_ = m.Store.UpdateAccountStatus(accountID, model.StatusPairing, "", &msisdn)
	return code, nil
}

// ConnectIfPaired connects a paired account; already connected clients are left alone.
func (m *Manager) ConnectIfPaired(accountID string) error {
	client, err := m.ensureClient(accountID)
	if err != nil {
		return err
	}
	if client.Store.ID == nil {
		return ErrNotPaired
	}
	if client.IsConnected() {
		return nil
	}
	m.log.Info().Str("account", accountID).Msg("connect")
	if err := client.Connect(); err != nil {
		return err
	}
	// Execute needs a logged-in client
	if !client.WaitForConnection(15 * time.Second) {
		return fmt.Errorf("connect %s: login timeout", accountID)
	}
	return nil
}

// Disconnect closes every client.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		c.Disconnect()
	}
}

package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const deviceFilePrefix = "business_"

// WhatsAppManager manages per-business linked-device clients
type WhatsAppManager struct {
	clients map[string]*WhatsAppClient
	mu      sync.RWMutex
	baseDir string
	log     zerolog.Logger

	// Callback for registering message handlers per client
	HandlerFactory func(businessID string) func(interface{})
}

// NewWhatsAppManager creates a manager storing one sqlite device store per business in baseDir
func NewWhatsAppManager(baseDir string, log zerolog.Logger) (*WhatsAppManager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create devices directory: %w", err)
	}

	return &WhatsAppManager{
		clients: make(map[string]*WhatsAppClient),
		baseDir: baseDir,
		log:     log,
	}, nil
}

// GetClient returns the client for a business, nil if none was created
func (m *WhatsAppManager) GetClient(businessID string) *WhatsAppClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[businessID]
}

func (m *WhatsAppManager) GetOrCreateClient(ctx context.Context, businessID string) (*WhatsAppClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[businessID]; exists {
		return client, nil
	}

	dbPath := filepath.Join(m.baseDir, deviceFilePrefix+businessID+".db")
	client, err := NewWhatsAppClient(ctx, dbPath, businessID, m.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create WhatsApp client for business %s: %w", businessID, err)
	}

	if m.HandlerFactory != nil {
		client.AddHandler(m.HandlerFactory(businessID))
	}

	m.clients[businessID] = client
	return client, nil
}

// ConnectClient connects a business device (creates if needed)
func (m *WhatsAppManager) ConnectClient(ctx context.Context, businessID string) (*WhatsAppClient, error) {
	client, err := m.GetOrCreateClient(ctx, businessID)
	if err != nil {
		return nil, err
	}

	if client.Client.IsConnected() {
		return client, nil
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect WhatsApp for business %s: %w", businessID, err)
	}

	return client, nil
}

// LogoutClient unpairs a business device. A missing client is already logged out.
func (m *WhatsAppManager) LogoutClient(ctx context.Context, businessID string) error {
	m.mu.Lock()
	client, exists := m.clients[businessID]
	delete(m.clients, businessID)
	m.mu.Unlock()

	if !exists || client == nil {
		return nil
	}
	if !client.IsLoggedIn() && !client.Client.IsConnected() {
		return nil
	}

	err := client.Client.Logout(ctx)
	client.Disconnect()
	return err
}

// RestoreSessions reconnects every paired device found on disk.
func (m *WhatsAppManager) RestoreSessions(ctx context.Context) []string {
	matches, err := filepath.Glob(filepath.Join(m.baseDir, deviceFilePrefix+"*.db"))
	if err != nil {
		m.log.Error().Err(err).Msg("list device stores")
		return nil
	}

	var restored []string
	for _, path := range matches {
		businessID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), deviceFilePrefix), ".db")
		client, err := m.GetOrCreateClient(ctx, businessID)
		if err != nil {
			m.log.Error().Err(err).Str("business_id", businessID).Msg("restore device")
			continue
		}
		if !client.IsLoggedIn() {
			continue
		}
		if err := client.Connect(ctx); err != nil {
			m.log.Error().Err(err).Str("business_id", businessID).Msg("reconnect device")
			continue
		}
		restored = append(restored, businessID)
	}
	return restored
}

// DisconnectAll disconnects all clients (for graceful shutdown)
func (m *WhatsAppManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		client.Disconnect()
	}
	m.clients = make(map[string]*WhatsAppClient)
}

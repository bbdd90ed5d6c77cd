package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hydrantlabs/oauth-server/storage"
)

// clientIPTrackingTTL is the TTL for registrations-per-IP counters.
// Counters reset daily.
const clientIPTrackingTTL = 24 * time.Hour

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Client records have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateStringLength(client.ClientID, maxIDLength, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	cmd := s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID),
		fromClientJSON)
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison runs whether or not the client exists, so a missing
// client takes the same time to reject as a wrong secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// bcrypt hash of an unrelated constant, compared against when no real
	// hash is available
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.IsPublic() {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients never authenticate with a secret
	if isPublicClient {
		if clientSecret == "" {
			return nil
		}
		return storage.ErrInvalidSecret
	}

	if err != nil {
		return storage.ErrInvalidSecret
	}
	if bcryptErr != nil {
		return storage.ErrInvalidSecret
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")
	ipPrefix := s.clientIPKey("")

	// SCAN can return duplicates across iterations, deduplicate by key
	seen := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, ok := seen[key]; ok {
				continue
			}
			// IP counters share the client key namespace
			if strings.HasPrefix(key, ipPrefix) {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping undecodable client record", "key", key, "error", err)
				continue
			}
			seen[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(seen))
	for _, c := range seen {
		clients = append(clients, c)
	}
	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// CheckIPLimit checks if an IP has reached the client registration limit
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	countStr, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientIPKey(ip)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to check IP limit: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil
	}

	if count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"current_count", count,
			"max_allowed", maxClientsPerIP)
		return fmt.Errorf("%w: %s (%d/%d clients)", storage.ErrIPLimitExceeded, ip, count, maxClientsPerIP)
	}
	return nil
}

// TrackClientIP increments the registration count for an IP address
func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	key := s.clientIPKey(ip)

	if _, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64(); err != nil {
		return fmt.Errorf("failed to track client IP: %w", err)
	}

	ttl := int64(clientIPTrackingTTL.Seconds())
	if err := s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(ttl).Build()).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on client IP tracking key",
			"ip", ip,
			"error", err)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/streamsensor/lib/codec"
	"github.com/bureau-foundation/streamsensor/lib/sealed"
	"github.com/bureau-foundation/streamsensor/lib/secret"
	"github.com/bureau-foundation/streamsensor/lib/statefile"
)

// Identifier keys.
const (
	KeyMAC         = "mid"
	KeyAdvertising = "ai"
	KeyVendor      = "ifv"
)

// InstallFile is the name of the install secret file inside StateDir.
const InstallFile = "install.cbor"

const (
	installSecretSize = 32
	installVersion    = 1
	hashSize          = 16
)

// hashDomainKey is the BLAKE3 key for identifier hashing: the ASCII
// domain name zero-padded to 32 bytes. Changing it changes every
// reported identifier.
var hashDomainKey = [32]byte{
	's', 't', 'r', 'e', 'a', 'm', 's', 'e', 'n', 's', 'o', 'r', '.', 'i', 'd', 'e',
	'n', 't', 'i', 't', 'y', '.', 'v', '1', 0, 0, 0, 0, 0, 0, 0, 0,
}

var hkdfInfoVendor = []byte("streamsensor.vendor.v1")

// Config configures a Provider.
type Config struct {
	// Site scopes the vendor id. Required.
	Site string

	// StateDir holds the install secret. Empty keeps the secret in
	// memory only, so the vendor id changes on every start.
	StateDir string

	// AdvertisingID is the host-supplied advertising identifier.
	AdvertisingID string

	// AdvertisingIDEnabled allows AdvertisingID to be reported.
	AdvertisingIDEnabled bool

	// Interfaces lists network interfaces. Nil means net.Interfaces.
	Interfaces func() ([]net.Interface, error)

	// Logger receives warnings about regenerated state. Nil discards.
	Logger *slog.Logger
}

// Set is a derived identifier set.
type Set struct {
	// Primary is the key of the identifier that identifies the device:
	// KeyAdvertising when available, otherwise KeyVendor.
	Primary string

	// Hashed maps identifier keys to their hashed values.
	Hashed map[string]string
}

// PrimaryValue returns the hashed value of the primary identifier.
func (s Set) PrimaryValue() string {
	return s.Hashed[s.Primary]
}

// Provider derives identifiers. Safe for concurrent use. Only hashed
// forms of the hardware address and vendor id are retained.
type Provider struct {
	mutex                sync.Mutex
	hashedMAC            string
	hashedVendor         string
	advertisingID        string
	advertisingIDEnabled bool
}

type installState struct {
	Version   int       `cbor:"version"`
	Secret    []byte    `cbor:"secret"`
	CreatedAt time.Time `cbor:"created_at"`
}

// NewProvider loads or creates the install secret and derives the
// vendor id. The secret is released before NewProvider returns.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Site == "" {
		return nil, fmt.Errorf("identity: site is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	installSecret, err := loadInstallSecret(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}
	defer installSecret.Close()

	vendorID, err := deriveVendorID(installSecret, cfg.Site)
	if err != nil {
		return nil, err
	}

	interfaces := cfg.Interfaces
	if interfaces == nil {
		interfaces = net.Interfaces
	}
	macSource := hardwareAddress(interfaces)
	if macSource == "" {
		logger.Debug("no hardware address found, deriving mid from vendor id")
		macSource = vendorID
	}

	provider := &Provider{
		hashedMAC:    Hash(macSource),
		hashedVendor: Hash(vendorID),
	}
	provider.SetAdvertisingID(cfg.AdvertisingID, cfg.AdvertisingIDEnabled)
	return provider, nil
}

// SetAdvertisingID updates the advertising id and whether it may be
// reported. An empty or all-zero id is treated as absent.
func (p *Provider) SetAdvertisingID(id string, enabled bool) {
	if parsed, err := uuid.Parse(id); err == nil && parsed == uuid.Nil {
		id = ""
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.advertisingID = id
	p.advertisingIDEnabled = enabled
}

// Set derives the current identifier set.
func (p *Provider) Set() Set {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	hashed := map[string]string{
		KeyMAC:    p.hashedMAC,
		KeyVendor: p.hashedVendor,
	}
	primary := KeyVendor
	if p.advertisingIDEnabled && p.advertisingID != "" {
		hashed[KeyAdvertising] = Hash(p.advertisingID)
		primary = KeyAdvertising
	}
	return Set{Primary: primary, Hashed: hashed}
}

// EncryptedIdentifiers returns the hashed identifiers keyed mid, ai and
// ifv. ai is omitted when unavailable or disabled.
func (p *Provider) EncryptedIdentifiers() map[string]string {
	return p.Set().Hashed
}

// Sealed returns the hashed identifiers as CBOR, age-encrypted to the
// given recipients and base64-encoded.
func (p *Provider) Sealed(recipients ...string) (string, error) {
	plaintext, err := codec.Marshal(p.Set().Hashed)
	if err != nil {
		return "", fmt.Errorf("identity: encoding identifiers: %w", err)
	}
	envelope, err := sealed.Seal(plaintext, recipients...)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return envelope, nil
}

// OpenSealed decrypts an envelope produced by Sealed.
func OpenSealed(envelope string, privateKey *secret.Buffer) (map[string]string, error) {
	plaintext, err := sealed.Open(envelope, privateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	defer plaintext.Close()

	var hashed map[string]string
	if err := codec.Unmarshal(plaintext.Bytes(), &hashed); err != nil {
		return nil, fmt.Errorf("identity: decoding identifiers: %w", err)
	}
	return hashed, nil
}

// Hash returns the hex-encoded, truncated BLAKE3 keyed hash of value.
func Hash(value string) string {
	// NewKeyed only fails for keys that are not 32 bytes.
	hasher, err := blake3.NewKeyed(hashDomainKey[:])
	if err != nil {
		panic("identity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(value))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:hashSize])
}

// Keys returns the keys of a hashed map in sorted order.
func Keys(hashed map[string]string) []string {
	return slices.Sorted(maps.Keys(hashed))
}

func deriveVendorID(installSecret *secret.Buffer, site string) (string, error) {
	reader := hkdf.New(sha256.New, installSecret.Bytes(), []byte(site), hkdfInfoVendor)
	derived := make([]byte, 16)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return "", fmt.Errorf("identity: deriving vendor id: %w", err)
	}
	// Stamp RFC 4122 version 4 and variant bits so the id has the same
	// shape as a platform vendor UUID.
	derived[6] = (derived[6] & 0x0f) | 0x40
	derived[8] = (derived[8] & 0x3f) | 0x80
	id, err := uuid.FromBytes(derived)
	if err != nil {
		return "", fmt.Errorf("identity: formatting vendor id: %w", err)
	}
	return id.String(), nil
}

// loadInstallSecret reads the install secret from stateDir, creating it
// when missing and replacing it when unreadable.
func loadInstallSecret(stateDir string, logger *slog.Logger) (*secret.Buffer, error) {
	if stateDir == "" {
		return generateSecret()
	}
	path := filepath.Join(stateDir, InstallFile)

	var state installState
	err := statefile.ReadCBOR(path, &state)
	switch {
	case err == nil && state.Version == installVersion && len(state.Secret) == installSecretSize:
		return secret.NewFromBytes(state.Secret)
	case err == nil:
		logger.Warn("install secret has unexpected shape, regenerating",
			"path", path,
			"version", state.Version,
			"secret_length", len(state.Secret),
		)
		secret.Zero(state.Secret)
	case errors.Is(err, os.ErrNotExist):
	default:
		logger.Warn("install secret unreadable, regenerating",
			"path", path,
			"error", err,
		)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: creating state directory: %w", err)
	}
	buffer, err := generateSecret()
	if err != nil {
		return nil, err
	}
	record := installState{
		Version:   installVersion,
		Secret:    bytes.Clone(buffer.Bytes()),
		CreatedAt: time.Now().UTC(),
	}
	err = statefile.WriteCBOR(path, record)
	secret.Zero(record.Secret)
	if err != nil {
		buffer.Close()
		return nil, fmt.Errorf("identity: persisting install secret: %w", err)
	}
	return buffer, nil
}

func generateSecret() (*secret.Buffer, error) {
	buffer, err := secret.New(installSecretSize)
	if err != nil {
		return nil, fmt.Errorf("identity: allocating install secret: %w", err)
	}
	if _, err := rand.Read(buffer.Bytes()); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("identity: generating install secret: %w", err)
	}
	return buffer, nil
}

// hardwareAddress returns the first non-loopback hardware address in
// interface index order, or "" when there is none.
func hardwareAddress(list func() ([]net.Interface, error)) string {
	interfaces, err := list()
	if err != nil {
		return ""
	}
	slices.SortFunc(interfaces, func(a, b net.Interface) int {
		return a.Index - b.Index
	})
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if bytes.Equal(iface.HardwareAddr, make(net.HardwareAddr, len(iface.HardwareAddr))) {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

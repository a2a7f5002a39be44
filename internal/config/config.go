package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	DataDir         string // DATA_DIR — root of the node's on-disk state (keys, blobs, metadata)
	DatabaseURL     string // DATABASE_URL — sqlite file path, or postgres://... / postgresql://...
	Port            string // PORT
	NodeAlias       string // NODE_ALIAS — human-readable node name announced in node_registered
	LedgerURL       string // LEDGER_URL — tagged-data block ledger endpoint
	BusRelays       []string // BUS_RELAYS — comma-separated relay URLs carrying bus announcements
	IdentityPass    string // DFS3_PASSPHRASE — seals/unseals the node private key at rest
	SignLedgerCalls bool   // SIGN_LEDGER_CALLS — HTTP-sign outbound ledger publish/fetch (default true)
	MaxFileSize     int64  // MAX_FILE_SIZE — bytes, rejects ciphertext writes larger than this (default 10MiB, the wire-format bound)
	CloneEligibility string // CLONE_ELIGIBILITY — "default" | "any" (see fetch.EligibilityPolicy)
	CloneMinFreeBytes int64 // CLONE_MIN_FREE_BYTES — floor of free space a node must retain to be clone-eligible
	NodeStatusInterval time.Duration // NODE_STATUS_INTERVAL — period between node_status heartbeat emissions (default 300s)

	// Tunable performance constants.
	BusFetchTimeout      time.Duration // BUS_FETCH_TIMEOUT — per-peer timeout in the fetch-first-wins race (default 5s)
	FetchConcurrency     int           // FETCH_CONCURRENCY — max concurrent outbound peer-fetch requests (default 10)
	RelayCBThreshold     int           // RELAY_CB_THRESHOLD — consecutive publish failures before a bus relay circuit opens (default 3)
	ChallengeTTL         time.Duration // CHALLENGE_TTL — login challenge validity window (default 2m)
	SessionTTL           time.Duration // SESSION_TTL — bearer session token validity window (default 24h)
	RegistryCacheSize    int           // REGISTRY_CACHE_SIZE — LRU capacity for node/user registry caches (default 1024)
	MetadataCacheSize    int           // METADATA_CACHE_SIZE — LRU capacity for the file-metadata cache (default 256)
	MetadataCacheTTL     time.Duration // METADATA_CACHE_TTL (default 5m)
}

// PrimaryRelay returns the first configured bus relay, or "" when none is
// configured.
func (c *Config) PrimaryRelay() string {
	if len(c.BusRelays) > 0 {
		return c.BusRelays[0]
	}
	return ""
}

// Load reads configuration from environment variables.
// Exits the process if a required variable (DFS3_PASSPHRASE) is missing,
// matching the fail-fast bootstrap the rest of this codebase's ancestry uses.
func Load() *Config {
	pass := os.Getenv("DFS3_PASSPHRASE")
	if pass == "" {
		fmt.Fprintln(os.Stderr, "ERROR: DFS3_PASSPHRASE is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the passphrase sealing this node's private key at rest.")
		os.Exit(1)
	}

	busRelays := parseList(os.Getenv("BUS_RELAYS"))
	if len(busRelays) == 0 {
		busRelays = []string{"wss://relay.dfs3.example"}
	}

	alias := os.Getenv("NODE_ALIAS")
	if alias == "" {
		host, _ := os.Hostname()
		alias = host
	}

	return &Config{
		DataDir:           getEnv("DATA_DIR", "./data"),
		DatabaseURL:       getEnv("DATABASE_URL", "dfs3.db"),
		Port:              getEnv("PORT", "8000"),
		NodeAlias:         alias,
		LedgerURL:         getEnv("LEDGER_URL", "http://localhost:14265/api/core/v2/blocks"),
		BusRelays:         busRelays,
		IdentityPass:      pass,
		SignLedgerCalls:   getEnv("SIGN_LEDGER_CALLS", "true") != "false",
		MaxFileSize:       parseInt64(os.Getenv("MAX_FILE_SIZE"), 10*1024*1024),
		CloneEligibility:  getEnv("CLONE_ELIGIBILITY", "default"),
		CloneMinFreeBytes: parseInt64(os.Getenv("CLONE_MIN_FREE_BYTES"), 1024*1024*1024),
		NodeStatusInterval: parseDuration(os.Getenv("NODE_STATUS_INTERVAL"), 300*time.Second),

		BusFetchTimeout:   parseDuration(os.Getenv("BUS_FETCH_TIMEOUT"), 5*time.Second),
		FetchConcurrency:  parseInt(os.Getenv("FETCH_CONCURRENCY"), 10),
		RelayCBThreshold:  parseInt(os.Getenv("RELAY_CB_THRESHOLD"), 3),
		ChallengeTTL:      parseDuration(os.Getenv("CHALLENGE_TTL"), 2*time.Minute),
		SessionTTL:        parseDuration(os.Getenv("SESSION_TTL"), 24*time.Hour),
		RegistryCacheSize: parseInt(os.Getenv("REGISTRY_CACHE_SIZE"), 1024),
		MetadataCacheSize: parseInt(os.Getenv("METADATA_CACHE_SIZE"), 256),
		MetadataCacheTTL:  parseDuration(os.Getenv("METADATA_CACHE_TTL"), 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

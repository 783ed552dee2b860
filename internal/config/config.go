// Package config loads the minimal process configuration a node needs
// to start: listen ports, key/contract file paths, and the coordinator
// URL. Full CLI flag surface (logging verbosity knobs, profiling
// switches, etc.) is explicitly out of scope per spec.md §1; this is
// only what internal/node and internal/httpapi need to come up.
package config

import (
	"encoding/json"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/subquery/payg-gateway/internal/cfgutil"
)

// Config is shared by both binaries; it carries no role, since
// cmd/indexerproxy and cmd/consumerproxy each set service.Role themselves.
type Config struct {
	HTTPAddr    string             `long:"http" description:"HTTP front door listen address" default:"127.0.0.1:8003"`
	P2PPort     int                `long:"p2p-port" description:"P2P TCP listen port" default:"7000"`
	RPCAddr     string             `long:"rpc" description:"JSON-RPC control-plane listen address" default:"127.0.0.1:8001"`
	KeyPath     string             `long:"key" description:"Path to the persisted libp2p identity key" required:"true"`
	ControllerKey string           `long:"controller-key" description:"Path to the hex-encoded controller private key file" required:"true"`
	ContractsFile string           `long:"contracts" description:"Path to the JSON file with deployed contract addresses (required to submit checkpoint/challenge/claim transactions)"`
	CoordinatorURL string          `long:"coordinator" description:"Coordinator GraphQL endpoint"`
	ChainRPC    string             `long:"chain-rpc" description:"EVM JSON-RPC endpoint"`
	ChainID     int64              `long:"chain-id" description:"EVM chain id" default:"1"`
	BackendURL  string             `long:"backend" description:"Back-end data service base URL (indexer role only)"`
	DefaultController *cfgutil.AddressFlag `long:"default-controller" description:"Default controller address (parsed, but not read by either binary)"`
	Dev         bool               `long:"dev" description:"Dev mode: include underlying error strings in ServiceException responses"`
	BootstrapPeers []string        `long:"bootstrap" description:"Multiaddrs of bootstrap peers to dial on start"`
	IndexerEndpointsFile string    `long:"indexer-endpoints" description:"Path to a JSON file mapping indexer address to HTTP front door base URL (consumer role only)"`
	JWTSecret   string             `long:"jwt-secret" description:"HMAC secret enabling bearer auth on the consumer-facing /query route; empty disables auth"`
	JWTExpiry   time.Duration      `long:"jwt-expiry" description:"Bearer token lifetime" default:"24h"`
}

// ContractAddresses is the shape of the JSON file ContractsFile points
// at.
type ContractAddresses struct {
	StateChannel    string `json:"stateChannel"`
	SQToken         string `json:"sqToken"`
	IndexerRegistry string `json:"indexerRegistry"`
}

// Load parses CLI flags (after first loading a .env file, if present,
// into the process environment so flags can default from it) and
// returns the resulting Config.
func Load(envFile string, args []string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // absent .env is not an error
	}
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadIndexerEndpoints reads the IndexerEndpointsFile, a flat JSON
// object keyed by indexer address hex mapping to that indexer's HTTP
// front door base URL. An empty path yields an empty map, which is
// valid for a consumer proxy that only ever dials peers over P2P.
func (c *Config) LoadIndexerEndpoints() (map[string]string, error) {
	if c.IndexerEndpointsFile == "" {
		return map[string]string{}, nil
	}
	raw, err := os.ReadFile(c.IndexerEndpointsFile)
	if err != nil {
		return nil, err
	}
	endpoints := map[string]string{}
	if err := json.Unmarshal(raw, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// LoadContracts reads and parses the ContractsFile.
func (c *Config) LoadContracts() (ContractAddresses, error) {
	raw, err := os.ReadFile(c.ContractsFile)
	if err != nil {
		return ContractAddresses{}, err
	}
	var addrs ContractAddresses
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return ContractAddresses{}, err
	}
	return addrs, nil
}

package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const (
	EnvBundlerAPIKey        = "BUNDLER_API_KEY"
	EnvPaymasterAPIKey      = "PAYMASTER_API_KEY"
	EnvControllerPrivateKey = "CONTROLLER_PRIVATE_KEY"

	DefaultSubmitRetries  = 0
	DefaultDBPath         = "/tmp/ap-userop/db"
	DefaultBackupInterval = 6 * time.Hour
	DefaultServerAddr     = "localhost:8090"
)

// Config is the resolved configuration handed to constructors.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger
	Network     Network

	EthRpcUrl            string
	ChainID              *big.Int
	EntryPointAddress    common.Address
	FactoryAddress       common.Address
	ControllerPrivateKey *ecdsa.PrivateKey `json:"-"`
	SignatureScheme      signer.Scheme

	Bundler jsonrpc.Config
	// Paymaster is nil when no paymaster is configured.
	Paymaster           *jsonrpc.Config
	SponsorshipPolicyID string
	FallbackToSelfPay   bool

	FeeTier       bundler.FeeTier
	SubmitRetries int
	VerifyBundler bool
	PollInterval  time.Duration
	WaitTimeout   time.Duration

	DBPath     string
	ServerAddr string
	// BackupDir is empty when periodic journal backups are off.
	BackupDir      string
	BackupInterval time.Duration
}

// These are read from the config file
type ConfigRaw struct {
	Environment string         `yaml:"environment" validate:"omitempty,oneof=development production dev prod"`
	Network     string         `yaml:"network"`
	SmartWallet SmartWalletRaw `yaml:"smart_wallet"`
	Bundler     ServiceRaw     `yaml:"bundler"`
	Paymaster   PaymasterRaw   `yaml:"paymaster"`
	Tracker     TrackerRaw     `yaml:"tracker"`
	Backup      BackupRaw      `yaml:"backup"`

	DBPath     string `yaml:"db_path"`
	ServerAddr string `yaml:"server_address"`
}

type SmartWalletRaw struct {
	EthRpcUrl            string `yaml:"eth_rpc_url" validate:"required,url"`
	ChainID              uint64 `yaml:"chain_id"`
	FactoryAddress       string `yaml:"factory_address" validate:"omitempty,eth_addr"`
	EntrypointAddress    string `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	ControllerPrivateKey string `yaml:"controller_private_key"`
	SignatureScheme      string `yaml:"signature_scheme" validate:"omitempty,oneof=personal_message raw_hash"`
}

type ServiceRaw struct {
	URL         string `yaml:"url" validate:"omitempty,url"`
	APIKey      string `yaml:"api_key"`
	APIKeyParam string `yaml:"api_key_param"`
	Timeout     string `yaml:"timeout"`
	FeeTier     string `yaml:"fee_tier" validate:"omitempty,oneof=slow standard fast"`
	Retries     *int   `yaml:"submit_retries" validate:"omitempty,min=0,max=10"`
	Verify      bool   `yaml:"verify"`
}

type PaymasterRaw struct {
	ServiceRaw          `yaml:",inline"`
	Enabled             bool   `yaml:"enabled"`
	SponsorshipPolicyID string `yaml:"sponsorship_policy_id"`
	FallbackToSelfPay   bool   `yaml:"fallback_to_self_pay"`
}

type BackupRaw struct {
	Dir      string `yaml:"dir"`
	Interval string `yaml:"interval"`
}

type TrackerRaw struct {
	PollInterval string `yaml:"poll_interval"`
	Timeout      string `yaml:"timeout"`
}

// NewConfig reads and resolves the YAML file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFilePath, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return FromRaw(raw)
}

// FromRaw fills the gaps in raw from the network preset and the environment, validates it,
// and converts it into a Config.
func FromRaw(raw ConfigRaw) (*Config, error) {
	var network Network
	if raw.Network != "" {
		preset, ok := LookupNetwork(raw.Network)
		if !ok {
			return nil, fmt.Errorf("config: unknown network %q", raw.Network)
		}
		network = preset
		raw.Bundler.URL = firstNonEmpty(raw.Bundler.URL, preset.BundlerURL)
		if raw.Paymaster.Enabled {
			raw.Paymaster.URL = firstNonEmpty(raw.Paymaster.URL, preset.PaymasterURL)
		}
		if raw.SmartWallet.ChainID == 0 {
			raw.SmartWallet.ChainID = preset.ChainID
		}
	}
	raw.Bundler.APIKey = envOr(raw.Bundler.APIKey, EnvBundlerAPIKey)
	raw.Paymaster.APIKey = envOr(raw.Paymaster.APIKey, EnvPaymasterAPIKey)
	raw.SmartWallet.ControllerPrivateKey = envOr(raw.SmartWallet.ControllerPrivateKey, EnvControllerPrivateKey)

	if err := validate(raw); err != nil {
		return nil, err
	}

	env, err := logger.ParseEnvironment(raw.Environment)
	if err != nil {
		return nil, err
	}
	log, err := sdklogging.NewZapLogger(env)
	if err != nil {
		return nil, err
	}

	scheme, err := signer.ParseScheme(raw.SmartWallet.SignatureScheme)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment:       env,
		Logger:            log,
		Network:           network,
		EthRpcUrl:         raw.SmartWallet.EthRpcUrl,
		EntryPointAddress: addressOr(raw.SmartWallet.EntrypointAddress, aa.DefaultEntryPointAddress),
		FactoryAddress:    addressOr(raw.SmartWallet.FactoryAddress, aa.DefaultFactoryAddress),
		SignatureScheme:   scheme,
		FeeTier:           bundler.FeeTier(raw.Bundler.FeeTier),
		SubmitRetries:     DefaultSubmitRetries,
		VerifyBundler:     raw.Bundler.Verify,
		DBPath:            firstNonEmpty(raw.DBPath, DefaultDBPath),
		ServerAddr:        firstNonEmpty(raw.ServerAddr, DefaultServerAddr),
	}
	if raw.SmartWallet.ChainID != 0 {
		c.ChainID = new(big.Int).SetUint64(raw.SmartWallet.ChainID)
	}
	if raw.Bundler.Retries != nil {
		c.SubmitRetries = *raw.Bundler.Retries
	}

	if raw.SmartWallet.ControllerPrivateKey != "" {
		key, err := signer.FromPrivateKeyHex(raw.SmartWallet.ControllerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("config: controller_private_key: %w", err)
		}
		c.ControllerPrivateKey = key
	}

	bundlerRPC, err := serviceConfig(raw.Bundler)
	if err != nil {
		return nil, fmt.Errorf("config: bundler: %w", err)
	}
	c.Bundler = bundlerRPC

	if raw.Paymaster.Enabled {
		pm, err := serviceConfig(raw.Paymaster.ServiceRaw)
		if err != nil {
			return nil, fmt.Errorf("config: paymaster: %w", err)
		}
		c.Paymaster = &pm
		c.SponsorshipPolicyID = raw.Paymaster.SponsorshipPolicyID
		c.FallbackToSelfPay = raw.Paymaster.FallbackToSelfPay
	}

	if c.PollInterval, err = durationOr(raw.Tracker.PollInterval, bundler.DefaultPollInterval); err != nil {
		return nil, fmt.Errorf("config: tracker.poll_interval: %w", err)
	}
	if c.WaitTimeout, err = durationOr(raw.Tracker.Timeout, bundler.DefaultWaitTimeout); err != nil {
		return nil, fmt.Errorf("config: tracker.timeout: %w", err)
	}
	if raw.Backup.Dir != "" {
		c.BackupDir = raw.Backup.Dir
		if c.BackupInterval, err = durationOr(raw.Backup.Interval, DefaultBackupInterval); err != nil {
			return nil, fmt.Errorf("config: backup.interval: %w", err)
		}
	}

	return c, nil
}

func serviceConfig(raw ServiceRaw) (jsonrpc.Config, error) {
	timeout, err := durationOr(raw.Timeout, jsonrpc.DefaultTimeout)
	if err != nil {
		return jsonrpc.Config{}, err
	}
	return jsonrpc.Config{
		URL:         raw.URL,
		APIKey:      raw.APIKey,
		APIKeyParam: raw.APIKeyParam,
		Timeout:     timeout,
	}, nil
}

var validate = func() func(ConfigRaw) error {
	v := validator.New()
	return func(raw ConfigRaw) error {
		if err := v.Struct(raw); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return fmt.Errorf("config: %s failed the %q check", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("config: %w", err)
		}
		if raw.Bundler.URL == "" {
			return errors.New("config: bundler.url is required when no network preset is set")
		}
		if raw.Paymaster.Enabled && raw.Paymaster.URL == "" {
			return errors.New("config: paymaster.url is required when the paymaster is enabled")
		}
		return nil
	}
}()

package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"gopkg.in/yaml.v3"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// ScenarioConfig is where one scenario's contracts live and what the run
// starts from. Values are kept as text and parsed on use.
type ScenarioConfig struct {
	RPCURL   string `json:"rpcURL" yaml:"rpcURL"`
	Fixtures string `json:"fixtures" yaml:"fixtures"`

	Addresses map[string]string `json:"addresses" yaml:"addresses"`
	// Amounts are decimal wei, or a decimal followed by "ether".
	Amounts map[string]string `json:"amounts" yaml:"amounts"`
	// Code holds 0x init code of helper contracts.
	Code    map[string]string `json:"code" yaml:"code"`
	Secrets map[string]string `json:"secrets" yaml:"secrets"`

	// FixtureHashes names the mainnet transactions fetch-fixtures downloads.
	FixtureHashes map[string]string `json:"fixtureHashes" yaml:"fixtureHashes"`
}

// ScenarioFile holds shared defaults and per-scenario overrides.
type ScenarioFile struct {
	Default   ScenarioConfig            `json:"default" yaml:"default"`
	Scenarios map[string]ScenarioConfig `json:"scenarios" yaml:"scenarios"`
}

var defaultScenarioPaths = []string{
	"conf/scenarios.yaml",
	"conf/scenarios.yml",
	"scenarios.yaml",
	"scenarios.yml",
	"scenarios.json",
}

// FindScenarioFile returns path, or the first default location that exists.
// An empty result means no file is configured.
func FindScenarioFile(path string) string {
	if path != "" {
		return path
	}
	for _, p := range defaultScenarioPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func LoadScenarioFile(path string) (*ScenarioFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeConfig, "read scenario file", err).AddContext("path", path)
	}

	var file ScenarioFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, errs.WrapError(errs.ErrorTypeDecoding, "failed to parse YAML", err).AddContext("path", path)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, errs.WrapError(errs.ErrorTypeDecoding, "failed to parse JSON", err).AddContext("path", path)
		}
	default:
		return nil, errs.NewConfigError(fmt.Sprintf("unsupported config file format: %s", ext), "scenario-file")
	}
	return &file, nil
}

// Scenario merges the named scenario over the defaults. A name the file does
// not mention only gets the defaults.
func (f *ScenarioFile) Scenario(name string) ScenarioConfig {
	out := f.Default.clone()
	if sc, ok := f.Scenarios[name]; ok {
		mergeScenario(&out, &sc)
	}
	return out
}

func (c ScenarioConfig) clone() ScenarioConfig {
	out := c
	out.Addresses = cloneMap(c.Addresses)
	out.Amounts = cloneMap(c.Amounts)
	out.Code = cloneMap(c.Code)
	out.Secrets = cloneMap(c.Secrets)
	out.FixtureHashes = cloneMap(c.FixtureHashes)
	return out
}

func mergeScenario(target, source *ScenarioConfig) {
	if source.RPCURL != "" {
		target.RPCURL = source.RPCURL
	}
	if source.Fixtures != "" {
		target.Fixtures = source.Fixtures
	}
	target.Addresses = mergeMap(target.Addresses, source.Addresses)
	target.Amounts = mergeMap(target.Amounts, source.Amounts)
	target.Code = mergeMap(target.Code, source.Code)
	target.Secrets = mergeMap(target.Secrets, source.Secrets)
	target.FixtureHashes = mergeMap(target.FixtureHashes, source.FixtureHashes)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMap(target, source map[string]string) map[string]string {
	if len(source) == 0 {
		return target
	}
	if target == nil {
		target = make(map[string]string, len(source))
	}
	for k, v := range source {
		target[k] = v
	}
	return target
}

func (c ScenarioConfig) ParseAddresses() (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(c.Addresses))
	for name, v := range c.Addresses {
		if !common.IsHexAddress(v) {
			return nil, errs.NewConfigError("not an address", "addresses."+name).AddContext("value", v)
		}
		out[name] = common.HexToAddress(v)
	}
	return out, nil
}

func (c ScenarioConfig) ParseAmounts() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(c.Amounts))
	for name, v := range c.Amounts {
		amount, err := ParseAmount(v)
		if err != nil {
			return nil, errs.NewConfigError(err.Error(), "amounts."+name).AddContext("value", v)
		}
		out[name] = amount
	}
	return out, nil
}

func (c ScenarioConfig) ParseCode() (map[string][]byte, error) {
	out := make(map[string][]byte, len(c.Code))
	for name, v := range c.Code {
		code, err := hexutil.Decode(strings.TrimSpace(v))
		if err != nil {
			return nil, errs.WrapError(errs.ErrorTypeConfig, "init code is not 0x hex", err).AddContext("field", "code."+name)
		}
		out[name] = code
	}
	return out, nil
}

func (c ScenarioConfig) ParseFixtureHashes() (map[string]common.Hash, error) {
	out := make(map[string]common.Hash, len(c.FixtureHashes))
	for name, v := range c.FixtureHashes {
		b, err := hexutil.Decode(v)
		if err != nil || len(b) != common.HashLength {
			return nil, errs.NewConfigError("not a transaction hash", "fixtureHashes."+name).AddContext("value", v)
		}
		out[name] = common.BytesToHash(b)
	}
	return out, nil
}

// ParseAmount reads "1000", "1000 wei" or "2.5 ether".
func ParseAmount(s string) (*big.Int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	unit := "wei"
	if len(fields) == 2 {
		unit = strings.ToLower(fields[1])
	}
	switch unit {
	case "wei":
		v, ok := new(big.Int).SetString(fields[0], 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("malformed amount %q", s)
		}
		return v, nil
	case "gwei", "ether":
		scale := big.NewInt(params.GWei)
		if unit == "ether" {
			scale = big.NewInt(params.Ether)
		}
		r, ok := new(big.Rat).SetString(fields[0])
		if !ok || r.Sign() < 0 {
			return nil, fmt.Errorf("malformed amount %q", s)
		}
		r.Mul(r, new(big.Rat).SetInt(scale))
		if !r.IsInt() {
			return nil, fmt.Errorf("amount %q is finer than one wei", s)
		}
		return new(big.Int).Set(r.Num()), nil
	default:
		return nil, fmt.Errorf("unknown unit %q", unit)
	}
}

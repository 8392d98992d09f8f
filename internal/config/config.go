package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const (
	AppName        = "check-mailrelay"
	ConfigFileName = ".check_mailrelay.conf"
	DefaultAccount = "default"
	DefaultFolder  = "INBOX"
	DefaultPort    = 993
	DefaultTag     = "JP-RELAY-TEST"
)

// Account is one named section of the config file.
type Account struct {
	Name     string `yaml:"-" ini:"-"`
	User     string `yaml:"user" ini:"user"`
	Password string `yaml:"password" ini:"password"`
	Server   string `yaml:"server" ini:"server"`
	Port     int    `yaml:"port" ini:"port"`
	Folder   string `yaml:"folder" ini:"folder"`
}

type Config struct {
	Accounts map[string]*Account
}

// ConfigPath returns ~/.config/.check_mailrelay.conf.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", ConfigFileName), nil
}

// Load reads an account file. Paths ending in .yaml or .yml are parsed as
// YAML, anything else as INI.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s", path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = parseYAML(data)
	default:
		cfg, err = parseINI(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// iniOptions reads values the way Python's configparser does: '#' and ';'
// inside a value, surrounding quotes and trailing backslashes are kept, and a
// dotted section name is not a child of another section.
var iniOptions = ini.LoadOptions{
	InsensitiveKeys:         true,
	IgnoreInlineComment:     true,
	IgnoreContinuation:      true,
	PreserveSurroundedQuote: true,
	ChildSectionDelimiter:   "\x00",
}

func parseINI(data []byte) (*Config, error) {
	file, err := ini.LoadSources(iniOptions, data)
	if err != nil {
		return nil, err
	}

	// [DEFAULT] keys are inherited by every other section.
	defaults := file.Section(ini.DefaultSection)

	cfg := &Config{Accounts: make(map[string]*Account)}
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		acct := &Account{}
		if err := defaults.MapTo(acct); err != nil {
			return nil, fmt.Errorf("section %s: %w", sec.Name(), err)
		}
		if err := sec.StrictMapTo(acct); err != nil {
			return nil, fmt.Errorf("section %s: %w", sec.Name(), err)
		}
		acct.Name = sec.Name()
		acct.applyDefaults()
		cfg.Accounts[acct.Name] = acct
	}

	return cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	accounts := make(map[string]*Account)
	if err := yaml.Unmarshal(data, &accounts); err != nil {
		return nil, err
	}

	cfg := &Config{Accounts: make(map[string]*Account, len(accounts))}
	for name, acct := range accounts {
		if acct == nil {
			acct = &Account{}
		}
		acct.Name = name
		acct.applyDefaults()
		cfg.Accounts[name] = acct
	}

	return cfg, nil
}

func (a *Account) applyDefaults() {
	if a.Folder == "" {
		a.Folder = DefaultFolder
	}
	if a.Port == 0 {
		a.Port = DefaultPort
	}
}

// Account returns the named section, or the "default" section when name is
// empty.
func (c *Config) Account(name string) (*Account, error) {
	if name == "" {
		name = DefaultAccount
	}
	if len(c.Accounts) == 0 {
		return nil, errors.New("no accounts configured")
	}

	acct, ok := c.Accounts[name]
	if !ok {
		return nil, fmt.Errorf("account %q not found (available: %s)", name, strings.Join(c.Names(), ", "))
	}
	return acct, nil
}

// Names returns the configured account names, sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Account) Validate() error {
	if a.User == "" {
		return fmt.Errorf("account %q: user is required", a.Name)
	}
	if a.Server == "" {
		return fmt.Errorf("account %q: server is required", a.Name)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("account %q: invalid port %d", a.Name, a.Port)
	}
	if a.Folder == "" {
		return fmt.Errorf("account %q: folder must not be empty", a.Name)
	}
	return nil
}

// Address returns host:port for dialing.
func (a *Account) Address() string {
	port := a.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(a.Server, strconv.Itoa(port))
}

// GetPassword returns the password from the config file, falling back to the
// system keyring entry for the account user.
func (a *Account) GetPassword() (string, error) {
	if a.Password != "" {
		return a.Password, nil
	}
	if a.User == "" {
		return "", errors.New("user not configured")
	}
	password, err := keyring.Get(AppName, a.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no password for %s in config or keyring", a.User)
		}
		return "", fmt.Errorf("failed to get password from keyring: %w", err)
	}
	return password, nil
}

// SetPassword stores the password for the account user in the system keyring.
func (a *Account) SetPassword(password string) error {
	if a.User == "" {
		return errors.New("user must be set before storing password")
	}
	return keyring.Set(AppName, a.User, password)
}

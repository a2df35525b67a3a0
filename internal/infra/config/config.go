// Package config loads and validates the node configuration document.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration document read when no path is given.
const DefaultPath = "config.json"

// TraderConfig identifies the trading entity the node runs for.
type TraderConfig struct {
	TraderID    string `json:"trader_id" yaml:"trader_id"`
	IDTagTrader string `json:"id_tag_trader" yaml:"id_tag_trader"`
}

// DatabaseConfig locates the persistent log and event stores.
type DatabaseConfig struct {
	LogStorePort   int `json:"log_store_port" yaml:"log_store_port"`
	EventStorePort int `json:"event_store_port" yaml:"event_store_port"`

	Host               string `json:"host" yaml:"host"`
	EventStoreUser     string `json:"event_store_user" yaml:"event_store_user"`
	EventStorePassword string `json:"event_store_password" yaml:"event_store_password"`
	EventStoreName     string `json:"event_store_name" yaml:"event_store_name"`
}

// LogStoreAddr returns the host:port address of the log store.
func (c DatabaseConfig) LogStoreAddr() string {
	return c.Host + ":" + strconv.Itoa(c.LogStorePort)
}

// EventStoreDSN composes the Postgres connection string for the event store.
func (c DatabaseConfig) EventStoreDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     c.Host + ":" + strconv.Itoa(c.EventStorePort),
		Path:     "/" + c.EventStoreName,
		RawQuery: "sslmode=disable",
	}
	if c.EventStoreUser != "" {
		if c.EventStorePassword != "" {
			u.User = url.UserPassword(c.EventStoreUser, c.EventStorePassword)
		} else {
			u.User = url.User(c.EventStoreUser)
		}
	}
	return u.String()
}

// LoggingConfig controls the node logger's sinks and thresholds.
type LoggingConfig struct {
	LogName         string `json:"log_name" yaml:"log_name"`
	LogLevelConsole string `json:"log_level_console" yaml:"log_level_console"`
	LogLevelFile    string `json:"log_level_file" yaml:"log_level_file"`
	LogLevelStore   string `json:"log_level_store" yaml:"log_level_store"`
	LogThread       bool   `json:"log_thread" yaml:"log_thread"`
	LogToFile       bool   `json:"log_to_file" yaml:"log_to_file"`
	LogFilePath     string `json:"log_file_path" yaml:"log_file_path"`
}

// DataClientConfig locates the market data service and its channel ports.
type DataClientConfig struct {
	Venue          string `json:"venue" yaml:"venue"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
	ServiceAddress string `json:"service_address" yaml:"service_address"`
	TickReqPort    int    `json:"tick_req_port" yaml:"tick_req_port"`
	TickSubPort    int    `json:"tick_sub_port" yaml:"tick_sub_port"`
	BarReqPort     int    `json:"bar_req_port" yaml:"bar_req_port"`
	BarSubPort     int    `json:"bar_sub_port" yaml:"bar_sub_port"`
	InstReqPort    int    `json:"inst_req_port" yaml:"inst_req_port"`
	InstSubPort    int    `json:"inst_sub_port" yaml:"inst_sub_port"`
}

// ExecClientConfig locates the execution service and its channel ports.
type ExecClientConfig struct {
	ServiceName     string `json:"service_name" yaml:"service_name"`
	ServiceAddress  string `json:"service_address" yaml:"service_address"`
	EventsTopic     string `json:"events_topic" yaml:"events_topic"`
	CommandsPort    int    `json:"commands_port" yaml:"commands_port"`
	EventsPort      int    `json:"events_port" yaml:"events_port"`
	OrderRatePerSec int    `json:"order_rate_per_sec" yaml:"order_rate_per_sec"`
}

// TelemetryConfig configures the optional OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	Insecure        bool   `json:"insecure" yaml:"insecure"`
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"`
}

// Document is the immutable configuration the node is constructed from.
type Document struct {
	Trader     TraderConfig     `json:"trader" yaml:"trader"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	DataClient DataClientConfig `json:"dataClient" yaml:"dataClient"`
	ExecClient ExecClientConfig `json:"execClient" yaml:"execClient"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
}

// FieldError describes one invalid configuration field.
type FieldError struct {
	Path   string
	Reason string
}

// Error reports every invalid field of a document in one pass.
type Error struct {
	Path   string
	Fields []FieldError
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Path+": "+f.Reason)
	}
	return fmt.Sprintf("configuration %s invalid (%d problems): %s",
		e.Path, len(e.Fields), strings.Join(parts, "; "))
}

// Load reads, decodes, and validates the document at path. The decoder is
// chosen by file extension: .yaml and .yml documents are YAML, everything
// else is JSON. Validation walks the whole schema and reports every problem
// in a single *Error.
func Load(path string) (Document, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Document{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Document{}, fmt.Errorf("read config: %w", err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return Document{}, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Document{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	doc.applyDefaults()
	doc.normalise()

	if err := doc.Validate(path); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *Document) applyDefaults() {
	if strings.TrimSpace(c.Database.Host) == "" {
		c.Database.Host = "127.0.0.1"
	}
	if strings.TrimSpace(c.Database.EventStoreUser) == "" {
		c.Database.EventStoreUser = "postgres"
	}
	if strings.TrimSpace(c.Database.EventStoreName) == "" {
		c.Database.EventStoreName = "flotilla"
	}
	if c.ExecClient.OrderRatePerSec <= 0 {
		c.ExecClient.OrderRatePerSec = 8
	}
	if c.Telemetry.IntervalSeconds <= 0 {
		c.Telemetry.IntervalSeconds = 15
	}
}

func (c *Document) normalise() {
	c.Trader.TraderID = strings.TrimSpace(c.Trader.TraderID)
	c.Trader.IDTagTrader = strings.TrimSpace(c.Trader.IDTagTrader)

	c.Database.Host = strings.TrimSpace(c.Database.Host)
	c.Database.EventStoreUser = strings.TrimSpace(c.Database.EventStoreUser)
	c.Database.EventStoreName = strings.TrimSpace(c.Database.EventStoreName)

	c.Logging.LogName = strings.TrimSpace(c.Logging.LogName)
	c.Logging.LogLevelConsole = normaliseLevel(c.Logging.LogLevelConsole)
	c.Logging.LogLevelFile = normaliseLevel(c.Logging.LogLevelFile)
	c.Logging.LogLevelStore = normaliseLevel(c.Logging.LogLevelStore)
	if path := strings.TrimSpace(c.Logging.LogFilePath); path != "" {
		c.Logging.LogFilePath = filepath.Clean(path)
	} else {
		c.Logging.LogFilePath = ""
	}

	c.DataClient.Venue = strings.TrimSpace(c.DataClient.Venue)
	c.DataClient.ServiceName = strings.TrimSpace(c.DataClient.ServiceName)
	c.DataClient.ServiceAddress = strings.TrimSpace(c.DataClient.ServiceAddress)

	c.ExecClient.ServiceName = strings.TrimSpace(c.ExecClient.ServiceName)
	c.ExecClient.ServiceAddress = strings.TrimSpace(c.ExecClient.ServiceAddress)
	c.ExecClient.EventsTopic = strings.TrimSpace(c.ExecClient.EventsTopic)

	c.Telemetry.Endpoint = strings.TrimSpace(c.Telemetry.Endpoint)
}

func normaliseLevel(level string) string {
	return strings.ToLower(strings.TrimSpace(level))
}

var validLogLevels = map[string]struct{}{
	"debug":   {},
	"info":    {},
	"warn":    {},
	"warning": {},
	"error":   {},
}

type problems struct {
	fields []FieldError
}

func (p *problems) add(path, reason string) {
	p.fields = append(p.fields, FieldError{Path: path, Reason: reason})
}

func (p *problems) requireString(value, path string) {
	if value == "" {
		p.add(path, "required")
	}
}

func (p *problems) requirePort(value int, path string) {
	if value < 1 || value > 65535 {
		p.add(path, fmt.Sprintf("port must be between 1 and 65535, was %d", value))
	}
}

func (p *problems) requireLevel(value, path string) {
	if value == "" {
		p.add(path, "required")
		return
	}
	if _, ok := validLogLevels[value]; !ok {
		p.add(path, fmt.Sprintf("unknown log level %q", value))
	}
}

// Validate checks every required field and returns one *Error listing all
// violations, or nil when the document is complete.
func (c Document) Validate(path string) error {
	var p problems

	p.requireString(c.Trader.TraderID, "trader.trader_id")
	p.requireString(c.Trader.IDTagTrader, "trader.id_tag_trader")

	p.requirePort(c.Database.LogStorePort, "database.log_store_port")
	p.requirePort(c.Database.EventStorePort, "database.event_store_port")
	p.requireString(c.Database.Host, "database.host")

	p.requireString(c.Logging.LogName, "logging.log_name")
	p.requireLevel(c.Logging.LogLevelConsole, "logging.log_level_console")
	p.requireLevel(c.Logging.LogLevelFile, "logging.log_level_file")
	p.requireLevel(c.Logging.LogLevelStore, "logging.log_level_store")
	if c.Logging.LogToFile && c.Logging.LogFilePath == "" {
		p.add("logging.log_file_path", "required when log_to_file is true")
	}

	p.requireString(c.DataClient.Venue, "dataClient.venue")
	p.requireString(c.DataClient.ServiceName, "dataClient.service_name")
	p.requireString(c.DataClient.ServiceAddress, "dataClient.service_address")
	p.requirePort(c.DataClient.TickReqPort, "dataClient.tick_req_port")
	p.requirePort(c.DataClient.TickSubPort, "dataClient.tick_sub_port")
	p.requirePort(c.DataClient.BarReqPort, "dataClient.bar_req_port")
	p.requirePort(c.DataClient.BarSubPort, "dataClient.bar_sub_port")
	p.requirePort(c.DataClient.InstReqPort, "dataClient.inst_req_port")
	p.requirePort(c.DataClient.InstSubPort, "dataClient.inst_sub_port")

	p.requireString(c.ExecClient.ServiceName, "execClient.service_name")
	p.requireString(c.ExecClient.ServiceAddress, "execClient.service_address")
	p.requireString(c.ExecClient.EventsTopic, "execClient.events_topic")
	p.requirePort(c.ExecClient.CommandsPort, "execClient.commands_port")
	p.requirePort(c.ExecClient.EventsPort, "execClient.events_port")

	if c.Telemetry.Enabled {
		p.requireString(c.Telemetry.Endpoint, "telemetry.endpoint")
	}

	if len(p.fields) == 0 {
		return nil
	}
	return &Error{Path: path, Fields: p.fields}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

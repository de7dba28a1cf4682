package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"ehrbridge/internal/adapters/openehr"
	"ehrbridge/internal/platform/config"
	"ehrbridge/internal/platform/store"

	perr "ehrbridge/internal/platform/errors"
)

// ServerEnv is the connection config for one HTTP server
type ServerEnv struct {
	URL        string
	AuthMethod openehr.AuthMethod
	Username   string
	Password   string
	Token      string

	// HeartbeatPath overrides the health probe endpoint; empty keeps the
	// client default
	HeartbeatPath string
}

// GPASEnv configures the optional trusted third party
type GPASEnv struct {
	BaseURL    string
	RootDomain string
	ClientCert string
	ClientKey  string
	CACert     string
}

// Env is everything the process reads from the environment. File settings
// never override these; it is the other way around
type Env struct {
	EHR  ServerEnv
	FHIR ServerEnv
	GPAS GPASEnv

	DBType     string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	AESKey []byte
}

// LoadEnv reads and validates the environment view. Invalid auth methods
// and database types are startup failures
func LoadEnv(cfg config.Conf) (*Env, error) {
	e := &Env{}

	var err error
	if e.EHR, err = serverEnv(cfg.Prefix("EHR_"), "EHR_"); err != nil {
		return nil, err
	}
	if e.FHIR, err = serverEnv(cfg.Prefix("FHIR_"), "FHIR_"); err != nil {
		return nil, err
	}

	gp := cfg.Prefix("GPAS_")
	e.GPAS = GPASEnv{
		BaseURL:    gp.MayString("BASE_URL", ""),
		RootDomain: gp.MayString("ROOT_DOMAIN", ""),
		ClientCert: gp.MayString("CLIENT_CERT", ""),
		ClientKey:  gp.MayString("CLIENT_KEY", ""),
		CACert:     gp.MayString("CA_CERT", ""),
	}

	db := cfg.Prefix("DB_")
	e.DBType = strings.ToLower(db.MayString("TYPE", store.DriverPostgres))
	switch e.DBType {
	case store.DriverPostgres, store.DriverSQLite:
	default:
		return nil, perr.Configf("unsupported DB_TYPE %q", e.DBType)
	}
	e.DBHost = db.MayString("HOST", "localhost")
	e.DBPort = db.MayInt("PORT", 5432)
	e.DBName = db.MayString("NAME", "ehrbridge")
	e.DBUser = db.MayString("USER", "")
	e.DBPassword = db.MayString("PASSWORD", "")

	if e.AESKey, err = loadAESKey(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func serverEnv(c config.Conf, prefix string) (ServerEnv, error) {
	u := c.MayString("SERVER_URL", "")
	if u == "" {
		return ServerEnv{}, perr.Configf("%sSERVER_URL is required", prefix)
	}
	if _, err := url.ParseRequestURI(u); err != nil {
		return ServerEnv{}, perr.Wrapf(err, perr.ErrorCodeConfig, "%sSERVER_URL", prefix)
	}
	method, err := openehr.ParseAuthMethod(c.MayString("AUTH_METHOD", string(openehr.AuthBasic)))
	if err != nil {
		return ServerEnv{}, perr.Wrapf(err, perr.ErrorCodeConfig, "%sAUTH_METHOD", prefix)
	}
	return ServerEnv{
		URL:           strings.TrimRight(u, "/"),
		AuthMethod:    method,
		Username:      c.MayString("SERVER_USER", ""),
		Password:      c.MayString("SERVER_PASSWORD", ""),
		Token:         c.MayString("SERVER_TOKEN", ""),
		HeartbeatPath: c.MayString("HEARTBEAT_PATH", ""),
	}, nil
}

// loadAESKey takes the key from AES_KEY directly or AES_KEY_FILE. Either is
// optional; pseudonymisation enabled without a key fails later at wiring
func loadAESKey(cfg config.Conf) ([]byte, error) {
	if k := cfg.MayString("AES_KEY", ""); k != "" {
		return []byte(k), nil
	}
	path := cfg.MayString("AES_KEY_FILE", "")
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "read AES_KEY_FILE %s", path)
	}
	return []byte(strings.TrimSpace(string(raw))), nil
}

// StoreConfig translates the env view into the store facade config
func (e *Env) StoreConfig(cfg config.Conf) store.Config {
	sc := store.Config{AppName: "ehrbridge", Driver: e.DBType}
	switch e.DBType {
	case store.DriverSQLite:
		sc.Lite = store.LiteConfig{
			Path:          e.DBName,
			BusyTimeoutMs: cfg.MayInt("DB_BUSY_TIMEOUT_MS", 5000),
			LogSQL:        cfg.MayBool("DB_LOG_SQL", false),
			SlowQueryMs:   cfg.MayInt("DB_SLOW_MS", 500),
		}
	default:
		sc.PG = store.PGConfig{
			URL: fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				url.QueryEscape(e.DBUser), url.QueryEscape(e.DBPassword), e.DBHost, e.DBPort, e.DBName),
			MaxConns:    int32(cfg.MayInt("DB_MAX_CONNS", 10)),
			LogSQL:      cfg.MayBool("DB_LOG_SQL", false),
			SlowQueryMs: cfg.MayInt("DB_SLOW_MS", 500),
		}
	}
	return sc
}

// FieldConfigs converts the settings elements into the transformer's view
func (s *Settings) FieldConfigs() map[string]FieldElement {
	if !s.Pseudonymization.Enabled {
		return nil
	}
	return s.Pseudonymization.Elements
}

// Package app wires the process bootstrap shared by the binaries: env,
// file configuration, store, clients and the pseudonymisation transformer
package app

import (
	"context"
	"path/filepath"

	"ehrbridge/internal/adapters/fhir"
	"ehrbridge/internal/adapters/gpas"
	"ehrbridge/internal/adapters/openehr"
	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/core/pseudonym"
	"ehrbridge/internal/modkit"
	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/config"
	"ehrbridge/internal/platform/logger"
	"ehrbridge/internal/platform/store"

	perr "ehrbridge/internal/platform/errors"
)

// Runtime is everything a binary needs after bootstrap
type Runtime struct {
	Log       *logger.Logger
	Cfg       config.Conf
	Env       *appconfig.Env
	Settings  *appconfig.Settings
	Resources []appconfig.Resource

	Store       *store.Store
	EHR         *openehr.Client
	FHIR        *fhir.Client
	Transformer *pseudonym.Transformer

	Deps modkit.Deps
}

// Bootstrap loads configuration, opens the store and builds the clients.
// CONF_DIR locates settings.yml and resource.yml, defaulting to ./conf
func Bootstrap(ctx context.Context) (*Runtime, error) {
	root := config.New()
	log := logger.Get()

	env, err := appconfig.LoadEnv(root)
	if err != nil {
		return nil, err
	}

	confDir := root.MayString("CONF_DIR", "conf")
	settings, err := appconfig.LoadSettings(filepath.Join(confDir, "settings.yml"))
	if err != nil {
		return nil, err
	}
	resources, err := appconfig.LoadResources(filepath.Join(confDir, "resource.yml"))
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, env.StoreConfig(root), store.WithLogger(*log))
	if err != nil {
		return nil, err
	}
	repokit.MustGuard(ctx, st)

	ehr := openehr.NewClient(openehr.Options{
		BaseURL:       env.EHR.URL,
		AuthMethod:    env.EHR.AuthMethod,
		Username:      env.EHR.Username,
		Password:      env.EHR.Password,
		Token:         env.EHR.Token,
		HeartbeatPath: env.EHR.HeartbeatPath,
		MaxRetries:    settings.RetryCount(),
		RetryBase:     settings.RetryInterval(),
	})
	fhirClient := fhir.NewClient(fhir.Options{
		BaseURL:    env.FHIR.URL,
		AuthMethod: string(env.FHIR.AuthMethod),
		Username:   env.FHIR.Username,
		Password:   env.FHIR.Password,
		Token:      env.FHIR.Token,
	})

	transformer, err := buildTransformer(settings, env)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	return &Runtime{
		Log:         log,
		Cfg:         root,
		Env:         env,
		Settings:    settings,
		Resources:   resources,
		Store:       st,
		EHR:         ehr,
		FHIR:        fhirClient,
		Transformer: transformer,
		Deps:        modkit.Deps{Log: *log, Cfg: root, DB: st.DB},
	}, nil
}

// Close releases the store
func (rt *Runtime) Close(ctx context.Context) {
	if err := rt.Store.Close(ctx); err != nil {
		rt.Log.Error().Err(err).Msg("failed to close store")
	}
}

// buildTransformer assembles the pseudonymisation pipeline: gPAS first
// when configured, AES fallback always when a key is present
func buildTransformer(settings *appconfig.Settings, env *appconfig.Env) (*pseudonym.Transformer, error) {
	if !settings.Pseudonymization.Enabled {
		return nil, nil
	}
	if len(env.AESKey) == 0 {
		return nil, perr.Configf("pseudonymization enabled but no AES_KEY configured")
	}
	cipher, err := pseudonym.NewCipher(env.AESKey, settings.Pseudonymization.UseDeterministicAES)
	if err != nil {
		return nil, err
	}

	var provider pseudonym.Provider
	if settings.Pseudonymization.GPAS {
		if env.GPAS.BaseURL == "" {
			return nil, perr.Configf("GPAS enabled but GPAS_BASE_URL is not set")
		}
		client, err := gpas.NewClient(gpas.Options{
			BaseURL:        env.GPAS.BaseURL,
			ClientCertPath: env.GPAS.ClientCert,
			ClientKeyPath:  env.GPAS.ClientKey,
			CACertPath:     env.GPAS.CACert,
		})
		if err != nil {
			return nil, err
		}
		provider = client
	}

	fields := make(map[string]pseudonym.FieldConfig, len(settings.Pseudonymization.Elements))
	for name, el := range settings.Pseudonymization.Elements {
		domain := el.Domain
		if domain == "" {
			domain = env.GPAS.RootDomain
		}
		fields[name] = pseudonym.FieldConfig{Enabled: el.Enabled, Prefix: el.Prefix, Domain: domain}
	}
	return pseudonym.NewTransformer(cipher, provider, fields, 0), nil
}

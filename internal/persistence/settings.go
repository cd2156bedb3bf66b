package persistence

import (
	"context"

	"github.com/basket/starry/internal/config"
)

// LoadProviderSettings assembles the provider configuration from the global
// and secrets partitions.
func (s *Store) LoadProviderSettings(ctx context.Context) (config.ProviderSettings, error) {
	fields := map[string]any{}
	for _, key := range config.GlobalKeys {
		var v any
		ok, err := s.GetJSON(ctx, Global, key, &v)
		if err != nil {
			return config.ProviderSettings{}, err
		}
		if ok {
			fields[key] = v
		}
	}
	for _, key := range config.SecretKeys {
		v, ok, err := s.Get(ctx, Secrets, key)
		if err != nil {
			return config.ProviderSettings{}, err
		}
		if ok {
			fields[key] = v
		}
	}
	return config.DecodeSettings(fields)
}

// SaveProviderSettings writes every provider field. Fields left empty are
// cleared, so the stored configuration always equals ps.
func (s *Store) SaveProviderSettings(ctx context.Context, ps config.ProviderSettings) error {
	values, err := ps.Values()
	if err != nil {
		return err
	}
	for _, key := range config.GlobalKeys {
		if err := s.SetJSON(ctx, Global, key, values[key]); err != nil {
			return err
		}
	}
	for _, key := range config.SecretKeys {
		v, _ := values[key].(string)
		if err := s.Set(ctx, Secrets, key, v); err != nil {
			return err
		}
	}
	return nil
}

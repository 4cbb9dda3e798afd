package featureflags

import (
	"context"
	"strings"

	"ontask/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ExecuteActionJSONTransfer gates outbound JSON and Canvas deliveries.
const ExecuteActionJSONTransfer = "execute_action_json_transfer"

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	Enabled(ctx context.Context, name string) bool
}

type featureflag struct {
	client   *flagsmith.Client
	fallback map[string]bool
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideFeatureFlag reads flags from Flagsmith when FLAGSMITH.API_KEY is
// set. The config values are used otherwise and whenever Flagsmith fails.
func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	f := &featureflag{fallback: Defaults(p.Config)}
	if p.Config.Flagsmith.ApiKey == "" {
		return f
	}

	opts := []flagsmith.Option{flagsmith.WithAnalytics()}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}
	f.client = flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...)
	return f
}

// Defaults maps the config backed flags to their values.
func Defaults(cfg *config.Config) map[string]bool {
	return map[string]bool{
		ExecuteActionJSONTransfer: cfg.ExecuteActionJSONTransfer,
	}
}

func (s *featureflag) Enabled(ctx context.Context, name string) bool {
	name = strings.ToLower(name)
	if s.client == nil {
		return s.fallback[name]
	}
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("[FeatureFlag] flagsmith unavailable, using config", zap.String("flag", name), zap.Error(err))
		return s.fallback[name]
	}
	on, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return s.fallback[name]
	}
	return on
}

// Static is a FeatureFlag backed by a map.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, name string) bool { return s[strings.ToLower(name)] }

package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/casebackend"
	"warden/classify"
	"warden/config"
	"warden/core"
	"warden/events"
	"warden/logsource"
	"warden/notify"
	"warden/waf"
)

// Integrations holds the clients for every external system. Optional ones
// are nil when not configured.
type Integrations struct {
	Deployer    *waf.HTTPDeployer
	IPLists     *waf.IPListClient
	CaseBackend casebackend.Backend
	LogSource   logsource.Source
	Classifier  classify.Classifier
	Events      events.Publisher
	Notifier    *notify.Notifier
}

// Close releases long-lived connections
func (i *Integrations) Close() {
	if i.Events != nil {
		i.Events.Close()
	}
}

// InitDeployer creates the WAF rule deployment client.
func InitDeployer(cfg *config.Config, sugar *zap.SugaredLogger) *waf.HTTPDeployer {
	sugar.Infow("WAF deployment gateway configured", "url", cfg.WAF.APIURL)
	return waf.NewHTTPDeployer(waf.DeployerConfig{
		URL:     cfg.WAF.APIURL,
		Token:   cfg.WAF.APIToken,
		Timeout: cfg.WAF.Timeout,
	}, sugar)
}

// InitCaseBackend creates the Kibana client, or the disabled backend when
// no URL is configured.
func InitCaseBackend(cfg *config.Config, sugar *zap.SugaredLogger) (casebackend.Backend, error) {
	if !cfg.CaseBackendEnabled() {
		sugar.Warn("Case backend not configured, cases are tracked locally without IDs")
		return casebackend.Disabled{}, nil
	}
	cb := cfg.CaseBackend
	kibana, err := casebackend.NewKibana(casebackend.Config{
		URL:                cb.URL,
		Username:           cb.Username,
		Password:           cb.Password,
		AlertIndex:         cb.AlertIndex,
		RuleName:           cb.RuleName,
		Owner:              cb.Owner,
		Timeout:            cb.Timeout,
		InsecureSkipVerify: cb.InsecureSkipVerify,
		CircuitBreaker: core.CircuitBreakerConfig{
			MaxFailures:         cb.CircuitBreaker.MaxFailures,
			Timeout:             cb.CircuitBreaker.Timeout,
			MaxHalfOpenRequests: cb.CircuitBreaker.MaxHalfOpen,
		},
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize case backend: %w", err)
	}
	sugar.Infow("Case backend configured", "url", cb.URL)
	return kibana, nil
}

// InitLogSource creates the OpenSearch source. A failed ping is logged but
// does not stop startup; ingestion then records alerts without requests.
func InitLogSource(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (logsource.Source, error) {
	if !cfg.LogSourceEnabled() {
		sugar.Warn("Log source not configured, alerts are recorded without request samples")
		return nil, nil
	}
	ls := cfg.LogSource
	source, err := logsource.NewOpenSearchSource(logsource.Config{
		Addresses: ls.Addresses,
		Username:  ls.Username,
		Password:  ls.Password,
		Index:     ls.Index,
		Window:    ls.Window,
		Size:      ls.Size,
		Insecure:  ls.Insecure,
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize log source: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := source.Ping(pingCtx); err != nil {
		sugar.Warn(ClassifyConnectionError("OpenSearch", err, ls.Addresses[0]))
	} else {
		sugar.Infow("Log source connected", "addresses", ls.Addresses, "index", ls.Index)
	}
	return source, nil
}

// InitClassifier creates the chat completion classifier when enabled.
func InitClassifier(cfg *config.Config, sugar *zap.SugaredLogger) classify.Classifier {
	if !cfg.Classifier.Enabled {
		sugar.Info("Classifier disabled, /ai-exception is unavailable")
		return nil
	}
	c := cfg.Classifier
	sugar.Infow("Classifier configured", "url", c.URL, "model", c.Model)
	return classify.NewAnalyzer(classify.NewChatClient(classify.ChatConfig{
		BaseURL:     c.URL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Timeout:     c.Timeout,
	}), sugar)
}

// InitEvents connects the NATS publisher when enabled. Events are
// best-effort, so a failed connection falls back to discarding them.
func InitEvents(cfg *config.Config, sugar *zap.SugaredLogger) events.Publisher {
	if !cfg.Events.Enabled {
		return events.Noop{}
	}
	publisher, err := events.NewNATSPublisher(events.Config{
		URL:           cfg.Events.NATSURL,
		SubjectPrefix: cfg.Events.SubjectPrefix,
	}, sugar)
	if err != nil {
		sugar.Warn(ClassifyConnectionError("NATS", err, cfg.Events.NATSURL))
		return events.Noop{}
	}
	sugar.Infow("Case events publishing to NATS", "url", cfg.Events.NATSURL, "prefix", cfg.Events.SubjectPrefix)
	return publisher
}

// InitIntegrations creates every external client.
func InitIntegrations(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*Integrations, error) {
	backend, err := InitCaseBackend(cfg, sugar)
	if err != nil {
		return nil, err
	}
	source, err := InitLogSource(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}

	in := &Integrations{
		Deployer:    InitDeployer(cfg, sugar),
		CaseBackend: backend,
		LogSource:   source,
		Classifier:  InitClassifier(cfg, sugar),
		Notifier: notify.NewNotifier(notify.Config{
			BotToken:   cfg.Chat.BotToken,
			WebhookURL: cfg.Chat.WebhookURL,
			APIBaseURL: cfg.Chat.APIBaseURL,
		}, sugar),
	}
	if cfg.WAF.ListAPIURL != "" {
		in.IPLists = waf.NewIPListClient(waf.IPListConfig{
			BaseURL: cfg.WAF.ListAPIURL,
			Token:   cfg.WAF.APIToken,
			Timeout: cfg.WAF.Timeout,
		}, sugar)
	}
	in.Events = InitEvents(cfg, sugar)
	return in, nil
}

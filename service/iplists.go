package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"warden/waf"
)

// IPListClient manages the WAF allow and deny lists
type IPListClient interface {
	Add(ctx context.Context, kind waf.ListKind, ip string) (waf.ListOutcome, error)
	Remove(ctx context.Context, kind waf.ListKind, ip string) (waf.ListOutcome, error)
	List(ctx context.Context, kind waf.ListKind) (waf.IPList, error)
}

// IPListService runs the list commands. Arguments are validated before
// anything is sent to the WAF.
type IPListService struct {
	client IPListClient
	logger *zap.SugaredLogger
}

// NewIPListService creates the service
func NewIPListService(client IPListClient, logger *zap.SugaredLogger) *IPListService {
	if client == nil {
		panic("client is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &IPListService{client: client, logger: logger}
}

// Allow adds an IP to the allow list
func (s *IPListService) Allow(ctx context.Context, args string) (string, error) {
	return s.add(ctx, waf.Whitelist, FirstToken(args))
}

// Deny adds an IP to the deny list
func (s *IPListService) Deny(ctx context.Context, args string) (string, error) {
	return s.add(ctx, waf.Blacklist, FirstToken(args))
}

// Delete removes an IP from a list. args is "<whitelist|blacklist> <ip>".
func (s *IPListService) Delete(ctx context.Context, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "", fmt.Errorf("%w: list and ip", ErrEmptyArgument)
	}
	kind, err := waf.ParseListKind(fields[0])
	if err != nil {
		return "", err
	}
	ip := fields[1]
	if err := waf.ValidateIP(ip); err != nil {
		return "", err
	}

	outcome, err := s.client.Remove(ctx, kind, ip)
	if err != nil {
		return "", err
	}
	s.logger.Infow("IP list updated", "list", kind, "ip", ip, "op", "remove", "outcome", outcome)
	return RenderListOutcome(kind, ip, false, outcome), nil
}

// List returns the rendered content of a list. args is "<whitelist|blacklist>".
func (s *IPListService) List(ctx context.Context, args string) (string, error) {
	name := FirstToken(args)
	if name == "" {
		return "", fmt.Errorf("%w: list", ErrEmptyArgument)
	}
	kind, err := waf.ParseListKind(name)
	if err != nil {
		return "", err
	}
	list, err := s.client.List(ctx, kind)
	if err != nil {
		return "", err
	}
	return RenderIPList(list), nil
}

func (s *IPListService) add(ctx context.Context, kind waf.ListKind, ip string) (string, error) {
	if ip == "" {
		return "", fmt.Errorf("%w: ip", ErrEmptyArgument)
	}
	if err := waf.ValidateIP(ip); err != nil {
		return "", err
	}
	outcome, err := s.client.Add(ctx, kind, ip)
	if err != nil {
		return "", err
	}
	s.logger.Infow("IP list updated", "list", kind, "ip", ip, "op", "add", "outcome", outcome)
	return RenderListOutcome(kind, ip, true, outcome), nil
}

var _ IPListClient = (*waf.IPListClient)(nil)

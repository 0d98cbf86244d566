package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// snsAPI is the subset of the SNS client used for mobile push.
type snsAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region string
	// PlatformApplicationARN is the SNS platform application devices are
	// registered under.
	PlatformApplicationARN string
}

// SNSGateway delivers pushes through SNS mobile push. Each token is
// registered as a platform endpoint once and the endpoint ARN is cached.
type SNSGateway struct {
	client snsAPI
	appARN string
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]string
}

// NewSNSGateway creates an SNS gateway using the default AWS credential chain.
func NewSNSGateway(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSGateway, error) {
	if cfg.PlatformApplicationARN == "" {
		return nil, errors.New("sns platform application arn is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	return newSNSGateway(sns.NewFromConfig(awsCfg), cfg.PlatformApplicationARN, logger), nil
}

func newSNSGateway(client snsAPI, appARN string, logger *zap.Logger) *SNSGateway {
	return &SNSGateway{
		client:    client,
		appARN:    appARN,
		logger:    logger,
		endpoints: make(map[string]string),
	}
}

func (g *SNSGateway) Name() string { return "sns" }

// Submit registers the token if needed and publishes the payload to it.
func (g *SNSGateway) Submit(ctx context.Context, token string, p *Payload) (Result, error) {
	arn, res, err := g.endpoint(ctx, token)
	if err != nil || !res.OK {
		return res, err
	}

	msg, err := snsMessage(p)
	if err != nil {
		return Result{}, err
	}

	out, err := g.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(arn),
		Message:          aws.String(msg),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		if code, ok := apiErrorCode(err); ok {
			if code == "EndpointDisabled" {
				g.forget(token)
				return Failure(ReasonUnregistered), nil
			}
			return Failure(code), nil
		}
		return Result{}, fmt.Errorf("sns publish failed: %w", err)
	}

	return Success(aws.ToString(out.MessageId)), nil
}

func (g *SNSGateway) endpoint(ctx context.Context, token string) (string, Result, error) {
	g.mu.RLock()
	arn, ok := g.endpoints[token]
	g.mu.RUnlock()
	if ok {
		return arn, Success(""), nil
	}

	out, err := g.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(g.appARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "InvalidParameter" && !strings.Contains(apiErr.ErrorMessage(), "already exists") {
				return "", Failure(ReasonBadDeviceToken), nil
			}
			return "", Failure(apiErr.ErrorCode()), nil
		}
		return "", Result{}, fmt.Errorf("sns create endpoint: %w", err)
	}

	arn = aws.ToString(out.EndpointArn)
	g.mu.Lock()
	g.endpoints[token] = arn
	g.mu.Unlock()

	g.logger.Debug("sns endpoint registered", zap.String("endpoint_arn", arn))
	return arn, Success(""), nil
}

func (g *SNSGateway) forget(token string) {
	g.mu.Lock()
	delete(g.endpoints, token)
	g.mu.Unlock()
}

func apiErrorCode(err error) (string, bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), true
	}
	return "", false
}

// snsMessage builds the per-platform message map SNS expects with
// MessageStructure=json. Each value is itself a JSON string.
func snsMessage(p *Payload) (string, error) {
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": p.Title,
			"body":  p.Body,
		},
		"data": p.Data,
	})
	if err != nil {
		return "", fmt.Errorf("encode gcm message: %w", err)
	}

	msg, err := json.Marshal(map[string]string{
		"default":      p.Body,
		"APNS":         string(p.Document),
		"APNS_SANDBOX": string(p.Document),
		"GCM":          string(gcm),
	})
	if err != nil {
		return "", fmt.Errorf("encode sns message: %w", err)
	}
	return string(msg), nil
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// BedrockProvider implements Provider over AWS Bedrock's Converse API,
// grounded on providers.BedrockProvider's client construction (same AWS SDK
// v2 config/credentials wiring), narrowed to the non-streaming Converse call
// rather than ConverseStream since every call this system makes is one-shot.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retrier
}

// NewBedrockProvider constructs a BedrockProvider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock load aws config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		retry:        retrier{maxAttempts: cfg.MaxRetries, delay: cfg.RetryDelay},
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) SupportsJSONMode() bool { return false }

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimPrefix(req.Model, "bedrock/")
	if model == "" {
		model = p.defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(req.Timeout))
	defer cancel()

	var system []types.SystemContentBlock
	var messages []types.Message
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
		case "assistant":
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	if req.JSONMode && len(system) > 0 {
		if txt, ok := system[0].(*types.SystemContentBlockMemberText); ok {
			txt.Value += jsonModeInstruction
		}
	} else if req.JSONMode {
		system = append(system, &types.SystemContentBlockMemberText{Value: jsonModeInstruction})
	}

	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
		System:   system,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(maxTokens),
		},
	}

	var out *bedrockruntime.ConverseOutput
	err := p.retry.do(ctx, isRetryableBedrockErr, func() error {
		resp, err := p.client.Converse(ctx, input)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("llm: bedrock complete: %w", err)
	}

	var text string
	if msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				text += t.Value
			}
		}
	}

	resp := Response{Text: text, Model: model}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func asBedrockErr[T error](err error, target *T) bool { return errors.As(err, target) }

func isRetryableBedrockErr(err error) bool {
	var throttle *types.ThrottlingException
	var unavailable *types.ServiceUnavailableException
	var internal *types.InternalServerException
	switch {
	case asBedrockErr(err, &throttle), asBedrockErr(err, &unavailable), asBedrockErr(err, &internal):
		return true
	default:
		return false
	}
}

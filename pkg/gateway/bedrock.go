// Package gateway talks to AWS Bedrock: it wraps prompts in the
// model-family request envelope, invokes the model, and parses the
// response text into a structured plan.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/models"
)

// Usage reports token counts for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelResponse is the raw outcome of one model invocation.
type ModelResponse struct {
	Content   string  `json:"content"`
	Usage     Usage   `json:"usage"`
	ModelID   string  `json:"model_id"`
	LatencyMs float64 `json:"latency_ms"`
}

// bedrockAPI is the slice of the Bedrock runtime client the gateway
// uses. Tests substitute a stub here.
type bedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client invokes Bedrock models.
type Client struct {
	api     bedrockAPI
	timeout time.Duration
}

// New builds a Bedrock client from daemon config. Static credentials are
// used when configured, otherwise the default AWS credential chain.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	timeout := time.Duration(cfg.Model.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		api:     bedrockruntime.NewFromConfig(awsCfg),
		timeout: timeout,
	}, nil
}

// claude request/response envelope (bedrock-2023-05-31).
type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"top_p"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// titan request/response envelope.
type titanConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"topP"`
	StopSequences []string `json:"stopSequences"`
}

type titanRequest struct {
	InputText            string      `json:"inputText"`
	TextGenerationConfig titanConfig `json:"textGenerationConfig"`
}

type titanResponse struct {
	Results []struct {
		OutputText string `json:"outputText"`
	} `json:"results"`
	InputTextTokenCount  int `json:"inputTextTokenCount"`
	OutputTextTokenCount int `json:"outputTextTokenCount"`
}

// Invoke sends the prompt to the named model and returns its raw text
// response with usage and latency.
func (c *Client) Invoke(ctx context.Context, info models.Info, prompt string) (*ModelResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	var resp *ModelResponse
	var err error
	switch {
	case strings.HasPrefix(info.Name, "claude"):
		resp, err = c.invokeClaude(ctx, info, prompt)
	case strings.HasPrefix(info.Name, "titan"):
		resp, err = c.invokeTitan(ctx, info, prompt)
	default:
		return nil, fmt.Errorf("unsupported model family: %s", info.Name)
	}
	if err != nil {
		return nil, err
	}

	resp.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	return resp, nil
}

func (c *Client) invokeClaude(ctx context.Context, info models.Info, prompt string) (*ModelResponse, error) {
	body, err := json.Marshal(claudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        info.MaxTokens,
		Messages:         []claudeMessage{{Role: "user", Content: prompt}},
		Temperature:      0.1,
		TopP:             0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: aws.String(info.ModelID),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invocation failed for %s: %w", info.Name, err)
	}

	var parsed claudeResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return nil, fmt.Errorf("empty response from model %s", info.Name)
	}

	return &ModelResponse{
		Content: parsed.Content[0].Text,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		ModelID: info.ModelID,
	}, nil
}

func (c *Client) invokeTitan(ctx context.Context, info models.Info, prompt string) (*ModelResponse, error) {
	body, err := json.Marshal(titanRequest{
		InputText: prompt,
		TextGenerationConfig: titanConfig{
			MaxTokenCount: info.MaxTokens,
			Temperature:   0.1,
			TopP:          0.9,
			StopSequences: []string{"```"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: aws.String(info.ModelID),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invocation failed for %s: %w", info.Name, err)
	}

	var parsed titanResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("empty response from model %s", info.Name)
	}

	return &ModelResponse{
		Content: parsed.Results[0].OutputText,
		Usage: Usage{
			InputTokens:  parsed.InputTextTokenCount,
			OutputTokens: parsed.OutputTextTokenCount,
			TotalTokens:  parsed.InputTextTokenCount + parsed.OutputTextTokenCount,
		},
		ModelID: info.ModelID,
	}, nil
}

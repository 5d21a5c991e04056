package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultSystemPrompt = "You are a cybersecurity expert."

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Anthropic Messages API

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) anthropicPayload(req Request) anthropicRequest {
	system := req.System
	if system == "" {
		system = defaultSystemPrompt
	}
	return anthropicRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		System:      system,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		Temperature: c.config.Temperature,
	}
}

func parseAnthropic(body []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// OpenAI-compatible chat completions (OpenAI and GitHub Models)

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

func (c *Client) chatPayload(req Request) chatRequest {
	var msgs []message
	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, message{Role: "user", Content: req.Prompt})
	return chatRequest{
		Model:       c.config.Model,
		Messages:    msgs,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}
}

func parseChat(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Ollama generate API

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func (c *Client) ollamaPayload(req Request) ollamaRequest {
	return ollamaRequest{
		Model:  c.config.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: ollamaOptions{
			Temperature: c.config.Temperature,
			NumPredict:  c.config.MaxTokens,
		},
	}
}

func parseOllama(body []byte) (string, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama: %s", resp.Error)
	}
	return resp.Response, nil
}

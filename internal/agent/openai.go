package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/util"
)

// Settings configures the model-backed proposer.
type Settings struct {
	Model   string
	APIKey  string
	BaseURL string
}

// deltaStream is the slice of a streaming completion the proposer reads.
type deltaStream interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
}

type streamOpener func(ctx context.Context, prompt Prompt) deltaStream

// OpenAIProposer implements agentstream.Transport on top of a streaming
// chat completion.
type OpenAIProposer struct {
	open streamOpener
}

func NewOpenAIProposer(cfg Settings) (*OpenAIProposer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; set OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model

	return &OpenAIProposer{open: func(ctx context.Context, prompt Prompt) deltaStream {
		stream := client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(prompt.System),
				openai.UserMessage(prompt.User),
			},
		})
		return &completionStream{stream: stream}
	}}, nil
}

type completionStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *completionStream) Next() bool { return s.stream.Next() }

func (s *completionStream) Delta() string {
	chunk := s.stream.Current()
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func (s *completionStream) Err() error   { return s.stream.Err() }
func (s *completionStream) Close() error { return s.stream.Close() }

// Open starts the completion in the background and returns the turn stream.
// Closing the returned reader stops the producer.
func (p *OpenAIProposer) Open(ctx context.Context, req agentstream.Request) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	turnID := util.NewID("turn")
	go func() {
		enc := agentstream.NewEncoder(pw)
		if err := p.run(ctx, enc, turnID, req); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				_ = enc.Encode(agentstream.Failure(turnID, err.Error()))
			}
		}
		_ = pw.Close()
	}()
	return pr, nil
}

func (p *OpenAIProposer) run(ctx context.Context, enc *agentstream.Encoder, turnID string, req agentstream.Request) error {
	if err := enc.Encode(agentstream.TurnOpen(turnID)); err != nil {
		return err
	}
	stream := p.open(ctx, BuildProposalPrompt(req))
	defer stream.Close()

	emitter := newLineEmitter(turnID, nil)
	for stream.Next() {
		for _, chunk := range emitter.Feed(stream.Delta()) {
			if err := enc.Encode(chunk); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	for _, chunk := range emitter.Flush() {
		if err := enc.Encode(chunk); err != nil {
			return err
		}
	}
	return enc.Encode(agentstream.Done())
}

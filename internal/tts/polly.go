package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures the Amazon Polly provider.
type PollyConfig struct {
	Region       string
	Engine       string // "neural" or "standard"
	DefaultVoice string
	Timeout      time.Duration
}

// Polly synthesizes speech with Amazon Polly. The SDK client is created
// lazily from the default AWS credential chain.
type Polly struct {
	mu     sync.Mutex
	client synthClient
	cfg    PollyConfig
	voices map[string]pollytypes.VoiceId
}

// NewPolly creates a Polly provider. A nil client is resolved on first use.
func NewPolly(cfg PollyConfig, client synthClient) *Polly {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if strings.TrimSpace(cfg.DefaultVoice) == "" {
		cfg.DefaultVoice = "Joanna"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	voices := make(map[string]pollytypes.VoiceId)
	for _, v := range pollytypes.VoiceId("").Values() {
		voices[strings.ToLower(string(v))] = v
	}
	return &Polly{client: client, cfg: cfg, voices: voices}
}

// Name implements Provider.
func (p *Polly) Name() string { return "polly" }

// Voice maps a requested voice to a Polly voice id. Unknown voices (for
// example Deepgram "aura-" ids) use the configured default.
func (p *Polly) Voice(requested string) pollytypes.VoiceId {
	if v, ok := p.voices[strings.ToLower(strings.TrimSpace(requested))]; ok {
		return v
	}
	return pollytypes.VoiceId(p.cfg.DefaultVoice)
}

// Synthesize implements Provider.
func (p *Polly) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      p.Voice(voice),
	})
	if err != nil {
		return nil, describePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, errors.New("polly: empty audio stream")
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("polly: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("polly: empty audio stream")
	}
	return audio, nil
}

func describePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return fmt.Errorf("polly: throttled: %w", err)
		case "TextLengthExceededException", "InvalidSsmlException", "LanguageNotSupportedException":
			return fmt.Errorf("polly: rejected input (%s): %w", apiErr.ErrorCode(), err)
		default:
			return fmt.Errorf("polly: service error %s: %w", apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("polly: transport error: %w", err)
}

func (p *Polly) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

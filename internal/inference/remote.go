package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

var ErrModelServer = errors.New("inference: model server error")

// RemotePredictor calls a model server speaking the KServe v2 REST protocol.
type RemotePredictor struct {
	BaseURL   string
	ModelName string
	Timeout   time.Duration
	Attempts  uint

	client *fasthttp.Client
}

func NewRemotePredictor(baseURL, modelName string, timeout time.Duration, attempts uint) *RemotePredictor {
	return &RemotePredictor{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		ModelName: modelName,
		Timeout:   timeout,
		Attempts:  attempts,
		client: &fasthttp.Client{
			Name:                "hippovolume",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
	Error     string        `json:"error,omitempty"`
}

func (p *RemotePredictor) inferURL() string {
	return fmt.Sprintf("%s/v2/models/%s/infer", p.BaseURL, p.ModelName)
}

// PredictSlice implements Predictor.
func (p *RemotePredictor) PredictSlice(ctx context.Context, slice []float32, h, w int) ([][]float32, error) {
	body, err := json.Marshal(inferRequest{
		Inputs: []inferTensor{{
			Name:     "input",
			Shape:    []int{1, 1, h, w},
			Datatype: "FP32",
			Data:     slice,
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode inference request")
	}

	var res inferResponse
	err = retry.Do(
		func() error {
			return p.post(ctx, p.inferURL(), body, &res)
		},
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Str("module", "inference").
				Uint("attempt", n+1).
				Err(err).
				Msg("retrying model server request")
		}),
	)
	if err != nil {
		return nil, err
	}

	if len(res.Outputs) == 0 {
		return nil, errors.Wrap(ErrBadPrediction, "response has no outputs")
	}
	out := res.Outputs[0]
	if len(out.Data) != NumClasses*h*w {
		return nil, errors.Wrapf(ErrBadPrediction, "got %d values for shape %v", len(out.Data), out.Shape)
	}

	logits := make([][]float32, NumClasses)
	for c := range logits {
		logits[c] = out.Data[c*h*w : (c+1)*h*w]
	}
	return logits, nil
}

// Ready reports whether the model server has the model loaded.
func (p *RemotePredictor) Ready(ctx context.Context) error {
	url := fmt.Sprintf("%s/v2/models/%s/ready", p.BaseURL, p.ModelName)
	return p.do(ctx, fasthttp.MethodGet, url, nil, nil)
}

func (p *RemotePredictor) post(ctx context.Context, url string, body []byte, out *inferResponse) error {
	return p.do(ctx, fasthttp.MethodPost, url, body, out)
}

func (p *RemotePredictor) do(ctx context.Context, method, url string, body []byte, out *inferResponse) error {
	if err := ctx.Err(); err != nil {
		return retry.Unrecoverable(err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return errors.Wrap(err, "model server request failed")
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK {
		err := errors.Wrapf(ErrModelServer, "status %d: %s", status, truncate(resp.Body(), 256))
		if status >= 400 && status < 500 {
			return retry.Unrecoverable(err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return retry.Unrecoverable(errors.Wrap(err, "failed to decode inference response"))
	}
	if out.Error != "" {
		return retry.Unrecoverable(errors.Wrap(ErrModelServer, out.Error))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

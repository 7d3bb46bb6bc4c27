// Package pacs delivers report instances to the clinical archive.
package pacs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"ikh/hippovolume/internal/config"
)

var ErrRejected = errors.New("pacs: archive rejected the instance")

// Sender pushes one DICOM file to the archive.
type Sender interface {
	Send(ctx context.Context, path string) error
}

// NewSender builds the sender named by conf.Sender. "none" yields a sender
// that only logs.
func NewSender(conf config.PACSConfig) (Sender, error) {
	switch conf.Sender {
	case "storescu":
		return &StoreSCU{
			Binary:    conf.StoreSCUPath,
			Host:      conf.Host,
			Port:      conf.Port,
			CalledAET: conf.CalledAET,
		}, nil
	case "orthanc":
		return NewOrthanc(conf.OrthancURL), nil
	case "none":
		return Discard{}, nil
	default:
		return nil, errors.Wrapf(config.ErrUnknownSender, "got %q", conf.Sender)
	}
}

// StoreSCU issues a C-STORE request through the DCMTK storescu tool.
type StoreSCU struct {
	Binary    string
	Host      string
	Port      int
	CalledAET string
}

func (s *StoreSCU) Args(path string) []string {
	return []string{
		s.Host, strconv.Itoa(s.Port),
		"-v",
		"-aec", s.CalledAET,
		"+r", "+sd",
		path,
	}
}

func (s *StoreSCU) Send(ctx context.Context, path string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Binary, s.Args(path)...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Debug().
		Str("module", "pacs").
		Str("cmd", s.Binary+" "+strings.Join(s.Args(path), " ")).
		Msg("running storescu")

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "storescu failed: %s", strings.TrimSpace(out.String()))
	}
	return nil
}

// Orthanc uploads instances through the Orthanc REST API.
type Orthanc struct {
	BaseURL  string
	Timeout  time.Duration
	Attempts uint

	client *fasthttp.Client
}

func NewOrthanc(baseURL string) *Orthanc {
	return &Orthanc{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Timeout:  30 * time.Second,
		Attempts: 3,
		client:   &fasthttp.Client{Name: "hippovolume"},
	}
}

func (o *Orthanc) Send(ctx context.Context, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read report")
	}

	return retry.Do(
		func() error {
			return o.post(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(o.Attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (o *Orthanc) post(ctx context.Context, body []byte) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(o.BaseURL + "/instances")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/dicom")
	req.SetBody(body)

	deadline := time.Now().Add(o.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := o.client.DoDeadline(req, resp, deadline); err != nil {
		return errors.Wrap(err, "orthanc request failed")
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK {
		err := errors.Wrapf(ErrRejected, "status %d", status)
		if status >= 400 && status < 500 {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}

// Discard is used when no archive is configured.
type Discard struct{}

func (Discard) Send(_ context.Context, path string) error {
	log.Info().Str("module", "pacs").Str("path", path).Msg("no archive configured, report kept locally")
	return nil
}

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mediafetch/internal/domain"
)

// Linker turns a file reference into a link the chat layer can fetch.
type Linker interface {
	URL(ctx context.Context, ref string, expires time.Duration) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// DeliveryRequest is sent to "<prefix>.delivery.<user_id>".
type DeliveryRequest struct {
	JobID     string `json:"job_id"`
	UserID    int64  `json:"user_id"`
	FileRef   string `json:"file_ref"`
	URL       string `json:"url,omitempty"`
	FromCache bool   `json:"from_cache"`
	Title     string `json:"title,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Platform  string `json:"platform,omitempty"`
	SourceURL string `json:"source_url"`
	Quality   string `json:"quality,omitempty"`
	AudioOnly bool   `json:"audio_only"`
	Size      int64  `json:"size"`
	Duration  int64  `json:"duration"`
}

// DeliveryReply is the chat layer's answer.
type DeliveryReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	// Stale reports that FileRef can no longer be resent.
	Stale bool `json:"stale,omitempty"`
}

// NATSDeliverer hands finished jobs to the chat layer with request/reply.
type NATSDeliverer struct {
	nc      *nats.Conn
	prefix  string
	linker  Linker
	expires time.Duration
	log     *logrus.Logger
}

func NewNATSDeliverer(nc *nats.Conn, prefix string, linker Linker, expires time.Duration, logger *logrus.Logger) *NATSDeliverer {
	return &NATSDeliverer{nc: nc, prefix: prefix, linker: linker, expires: expires, log: logger}
}

func (d *NATSDeliverer) Deliver(ctx context.Context, del domain.Delivery) error {
	req := deliveryRequest(del)
	link, err := resolveLink(ctx, d.linker, del.FileRef, d.expires)
	if err != nil {
		return err
	}
	req.URL = link

	body, err := json.Marshal(req)
	if err != nil {
		return domain.NewError(domain.KindDeliveryFailed, "encode delivery", err)
	}
	subject := fmt.Sprintf("%s.delivery.%d", d.prefix, del.UserID)
	msg, err := d.nc.RequestWithContext(ctx, subject, body)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return domain.NewError(domain.KindDeliveryFailed, "no delivery subscriber", err)
		}
		return domain.NewError(domain.KindDeliveryFailed, "delivery request", err)
	}
	return decodeReply(msg.Data)
}

// resolveLink reports a reference as stale only when its object is gone;
// storage errors are delivery failures and leave the cache intact.
func resolveLink(ctx context.Context, linker Linker, ref string, expires time.Duration) (string, error) {
	ok, err := linker.Exists(ctx, ref)
	if err != nil {
		return "", domain.NewError(domain.KindDeliveryFailed, "check file reference", err)
	}
	if !ok {
		return "", domain.NewError(domain.KindStaleReference, ref, nil)
	}
	link, err := linker.URL(ctx, ref, expires)
	if err != nil {
		return "", domain.NewError(domain.KindDeliveryFailed, "resolve file link", err)
	}
	return link, nil
}

func decodeReply(data []byte) error {
	var reply DeliveryReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return domain.NewError(domain.KindDeliveryFailed, "malformed delivery reply", err)
	}
	switch {
	case reply.Stale:
		return domain.NewError(domain.KindStaleReference, reply.Error, nil)
	case !reply.OK:
		msg := reply.Error
		if msg == "" {
			msg = "rejected by delivery layer"
		}
		return domain.NewError(domain.KindDeliveryFailed, msg, nil)
	}
	return nil
}

func deliveryRequest(del domain.Delivery) DeliveryRequest {
	return DeliveryRequest{
		JobID:     del.JobID,
		UserID:    del.UserID,
		FileRef:   del.FileRef,
		FromCache: del.FromCache,
		Title:     del.Title,
		Filename:  del.Filename,
		Platform:  string(del.Platform),
		SourceURL: del.SourceURL,
		Quality:   del.Quality,
		AudioOnly: del.AudioOnly,
		Size:      del.Size,
		Duration:  del.Duration,
	}
}

// LogDeliverer only logs deliveries. It still reports references whose
// object has disappeared as stale.
type LogDeliverer struct {
	linker  Linker
	expires time.Duration
	log     *logrus.Logger
}

func NewLogDeliverer(linker Linker, expires time.Duration, logger *logrus.Logger) *LogDeliverer {
	return &LogDeliverer{linker: linker, expires: expires, log: logger}
}

func (d *LogDeliverer) Deliver(ctx context.Context, del domain.Delivery) error {
	link, err := resolveLink(ctx, d.linker, del.FileRef, d.expires)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{
		"job_id":     del.JobID,
		"user_id":    del.UserID,
		"from_cache": del.FromCache,
		"title":      del.Title,
		"size":       del.Size,
	}).Infof("Delivered %s", link)
	return nil
}

package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/domain"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// SendMessage posts a message. Without attachments the request is plain
// JSON; with attachments it is multipart/form-data with the JSON payload in
// the "json" field and one "attachments" part per file, in order.
func (c *APIClient) SendMessage(ctx context.Context, id domain.ConversationId, req api.SendMessageRequest, attachments domain.Attachments) (domain.Message, error) {
	path := conversationPath(id) + "/messages"

	var (
		resp *http.Response
		err  error
	)
	if len(attachments) == 0 {
		resp, err = c.doJSON(ctx, "send_message", http.MethodPost, path, req)
	} else {
		resp, err = c.postMultipartRequest(ctx, path, req, attachments)
	}
	if err != nil {
		return domain.Message{}, err
	}

	var out api.SendMessageResponse
	if err := readResponse(resp, "send message", &out); err != nil {
		return domain.Message{}, err
	}
	msg := out.Message.ToDomain(id)
	msg.Body = c.sanitizer.Body(msg.Body)
	return msg, nil
}

// postMultipartRequest streams the form through a pipe so file contents are
// never buffered whole in memory.
func (c *APIClient) postMultipartRequest(ctx context.Context, path string, data any, attachments domain.Attachments) (*http.Response, error) {
	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)

	go func() {
		jsonData, err := json.Marshal(data)
		if err != nil {
			pipeWriter.CloseWithError(err)
			return
		}
		if err := writer.WriteField("json", string(jsonData)); err != nil {
			pipeWriter.CloseWithError(err)
			return
		}

		for _, att := range attachments {
			if err := writeAttachmentPart(writer, att); err != nil {
				pipeWriter.CloseWithError(err)
				return
			}
		}

		if err := writer.Close(); err != nil {
			pipeWriter.CloseWithError(err)
			return
		}
		pipeWriter.Close()
	}()

	resp, err := c.do(ctx, "send_message", http.MethodPost, path, pipeReader, writer.FormDataContentType())
	if err != nil {
		// unblock the writer goroutine if the transport never drained the pipe
		pipeReader.CloseWithError(err)
		return nil, err
	}
	return resp, nil
}

func writeAttachmentPart(writer *multipart.Writer, att domain.Attachment) error {
	if att.Source == nil || att.Source.Open == nil {
		return fmt.Errorf("attachment %s has no source file", att.LocalId)
	}
	file, err := att.Source.Open()
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", att.Filename, err)
	}
	defer file.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="attachments"; filename="%s"`, escapeQuotes(att.Filename)))
	if att.MimeType != "" {
		h.Set("Content-Type", att.MimeType)
	}

	part, err := writer.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderFunc func(ctx context.Context, destination, text string) error

func (f senderFunc) Send(ctx context.Context, destination, text string) error {
	return f(ctx, destination, text)
}

func TestSend(t *testing.T) {
	var gotDest, gotText string
	e := NewEmailClient(EmailParams{From: "syncd@example.com", To: []string{"ops@example.com", "dev@example.com"}})
	e.sender = senderFunc(func(_ context.Context, destination, text string) error {
		gotDest, gotText = destination, text
		return nil
	})

	require.NoError(t, e.Send(context.Background(), "failed \"docs\"", "<html>body</html>"))
	assert.Contains(t, gotDest, "mailto:ops@example.com,dev@example.com")
	assert.Contains(t, gotDest, "from=syncd%40example.com")
	assert.Contains(t, gotDest, "subject=failed+%22docs%22")
	assert.Equal(t, "<html>body</html>", gotText)
}

func TestSendFailed(t *testing.T) {
	e := NewEmailClient(EmailParams{To: []string{"ops@example.com"}})
	e.sender = senderFunc(func(_ context.Context, _, _ string) error {
		return errors.New("smtp down")
	})
	err := e.Send(context.Background(), "subj", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't send email to ops@example.com")
}

func TestSwitches(t *testing.T) {
	e := NewEmailClient(EmailParams{OnError: true})
	assert.True(t, e.IsOnError())
	assert.False(t, e.IsOnCompletion())
}

func TestMakeErrorHTML(t *testing.T) {
	e := NewEmailClient(EmailParams{})
	res, err := e.MakeErrorHTML("host1", "docs", "notion:fetch-all", "403 Forbidden")
	require.NoError(t, err)
	assert.Contains(t, res, "host1")
	assert.Contains(t, res, "docs")
	assert.Contains(t, res, "notion:fetch-all")
	assert.Contains(t, res, "403 Forbidden")
}

func TestMakeCompletionHTML(t *testing.T) {
	e := NewEmailClient(EmailParams{})
	res, err := e.MakeCompletionHTML("host1", "blog", "notion:fetch")
	require.NoError(t, err)
	assert.Contains(t, res, "completed")
	assert.Contains(t, res, "blog")
}

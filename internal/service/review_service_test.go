package service

import (
	"context"
	"sync"
	"testing"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/reviewprompt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReviewService(w *world) *ReviewService {
	tracker := reviewprompt.NewTracker(reviewprompt.NewMemoryShownStore(), NewReviewConfirmer(w.repo))
	return NewReviewService(w.repo, tracker, w.events, w.cache)
}

func completedRequest(t *testing.T, w *world) {
	t.Helper()
	paidAgreement(t, w)
	_, err := w.agreements.FinishWork(context.Background(), w.requestID, w.proID)
	require.NoError(t, err)
}

func TestPromptNotShownBeforeCompletion(t *testing.T) {
	w := newWorld()
	reviews := newReviewService(w)
	paidAgreement(t, w)

	d, err := reviews.ShouldPrompt(context.Background(), w.requestID, w.clientID)
	require.NoError(t, err)
	assert.False(t, d.Show)
	assert.False(t, d.Completed)
}

func TestPromptShownExactlyOnce(t *testing.T) {
	w := newWorld()
	reviews := newReviewService(w)
	completedRequest(t, w)
	ctx := context.Background()

	first, err := reviews.ShouldPrompt(ctx, w.requestID, w.clientID)
	require.NoError(t, err)
	assert.True(t, first.Show)

	second, err := reviews.ShouldPrompt(ctx, w.requestID, w.clientID)
	require.NoError(t, err)
	assert.False(t, second.Show)
	assert.True(t, second.Completed)

	// The other participant has a prompt of their own.
	pro, err := reviews.ShouldPrompt(ctx, w.requestID, w.proID)
	require.NoError(t, err)
	assert.True(t, pro.Show)

	_, err = reviews.ShouldPrompt(ctx, w.requestID, "stranger")
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}

func TestPromptConcurrentSignals(t *testing.T) {
	w := newWorld()
	reviews := newReviewService(w)
	completedRequest(t, w)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		shown int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := reviews.ShouldPrompt(context.Background(), w.requestID, w.clientID)
			if err == nil && d.Show {
				mu.Lock()
				shown++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, shown)
}

func TestSubmitReview(t *testing.T) {
	w := newWorld()
	reviews := newReviewService(w)
	completedRequest(t, w)
	ctx := context.Background()

	rv, err := reviews.Submit(ctx, SubmitReviewInput{RequestID: w.requestID, ReviewerID: w.clientID, Rating: 5, Comment: " great "})
	require.NoError(t, err)
	assert.Equal(t, w.proID, rv.RevieweeID)
	assert.Equal(t, "great", rv.Comment)
	assert.Equal(t, 1, w.events.count(models.EventTypeReviewSubmitted))

	_, err = reviews.Submit(ctx, SubmitReviewInput{RequestID: w.requestID, ReviewerID: w.clientID, Rating: 4})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// Already reviewed: no prompt.
	d, err := reviews.ShouldPrompt(ctx, w.requestID, w.clientID)
	require.NoError(t, err)
	assert.False(t, d.Show)
}

func TestSubmitReviewRules(t *testing.T) {
	w := newWorld()
	reviews := newReviewService(w)
	ctx := context.Background()
	paidAgreement(t, w)

	_, err := reviews.Submit(ctx, SubmitReviewInput{RequestID: w.requestID, ReviewerID: w.clientID, Rating: 6})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = reviews.Submit(ctx, SubmitReviewInput{RequestID: w.requestID, ReviewerID: "stranger", Rating: 3})
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	_, err = reviews.Submit(ctx, SubmitReviewInput{RequestID: w.requestID, ReviewerID: w.clientID, Rating: 3})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

// The professional finished on the agreement but the request mirror never
// ran; the client's review is the confirming action.
func TestSubmitReviewAdvancesRequest(t *testing.T) {
	w := newWorld()
	reviews := newReviewService(w)
	ctx := context.Background()
	a := paidAgreement(t, w)
	w.repo.agreements[a.ID].Status = models.AgreementStatusCompleted
	require.Equal(t, models.RequestStatusInProcess, w.request().Status)

	_, err := reviews.Submit(ctx, SubmitReviewInput{RequestID: w.requestID, ReviewerID: w.clientID, Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCompleted, w.request().Status)
}

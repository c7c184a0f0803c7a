package publication

import (
	"github.com/jizhuozhi/go-future"
)

// PublishFuture resolves with the publish response or its terminal error.
type PublishFuture = future.Future[*PublishWithJoinResponse]

// NewPublishFuture returns a future plus the listener that resolves it. The
// listener's exactly-once contract maps directly onto the promise: a second
// completion would be a bug in the caller, so the promise's own panic on
// double-set is left to fire.
func NewPublishFuture() (*PublishFuture, PublishResponseListener) {
	p := future.NewPromise[*PublishWithJoinResponse]()
	listener := PublishListenerFuncs(
		func(resp *PublishWithJoinResponse) { p.Set(resp, nil) },
		func(err error) { p.Set(nil, err) },
	)
	return p.Future(), listener
}

// CommitFuture resolves when a commit send completes.
type CommitFuture = future.Future[struct{}]

// NewCommitFuture returns a future plus the listener that resolves it.
func NewCommitFuture() (*CommitFuture, CommitResponseListener) {
	p := future.NewPromise[struct{}]()
	listener := CommitListenerFuncs(
		func() { p.Set(struct{}{}, nil) },
		func(err error) { p.Set(struct{}{}, err) },
	)
	return p.Future(), listener
}

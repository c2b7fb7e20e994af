package browsercontext

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// setPageProxyAuth wires CDP Fetch-domain interception to answer proxy auth
// challenges with username/password, continuing every other intercepted
// request unmodified. The returned cleanup function cancels the listener
// goroutines and is safe to call more than once; callers MUST call it when
// the page closes to avoid leaking the EachEvent goroutines.
func setPageProxyAuth(ctx context.Context, page *rod.Page, username, password string) (cleanup func(), err error) {
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(page); err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var once sync.Once
	cleanupFn := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("proxy auth listener cleanup timed out")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFn()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = (proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				},
			}).Call(page)
			return false
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.ResponseStatusCode == nil {
				_ = (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(page)
			}
			return false
		})()
	}()

	return cleanupFn, nil
}

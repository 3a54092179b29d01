package dispatch

import "context"

// The Sync variants run the same operation on the Bridge and block the calling
// goroutine until it finishes or the bridge timeout elapses
// (ErrDispatchTimeout). ctx only bounds the wait.

func (d *Dispatcher) NotifyUserSync(ctx context.Context, userID, messageType string, payload any) (int, error) {
	var (
		n   int
		err error
	)
	if serr := d.bridge.Submit(ctx, func(c context.Context) {
		n, err = d.NotifyUser(c, userID, messageType, payload)
	}); serr != nil {
		return 0, serr
	}
	return n, err
}

func (d *Dispatcher) NotifyUsersSync(ctx context.Context, userIDs []string, messageType string, payload any) (Result, error) {
	var (
		res Result
		err error
	)
	if serr := d.bridge.Submit(ctx, func(c context.Context) {
		res, err = d.NotifyUsers(c, userIDs, messageType, payload)
	}); serr != nil {
		return newResult(), serr
	}
	return res, err
}

func (d *Dispatcher) NotifyGroupSync(ctx context.Context, groupID, messageType string, payload any) (Result, error) {
	var (
		res Result
		err error
	)
	if serr := d.bridge.Submit(ctx, func(c context.Context) {
		res, err = d.NotifyGroup(c, groupID, messageType, payload)
	}); serr != nil {
		return newResult(), serr
	}
	return res, err
}

func (d *Dispatcher) BroadcastSync(ctx context.Context, messageType string, payload any, excludeUsers ...string) (int, error) {
	var (
		n   int
		err error
	)
	if serr := d.bridge.Submit(ctx, func(c context.Context) {
		n, err = d.Broadcast(c, messageType, payload, excludeUsers...)
	}); serr != nil {
		return 0, serr
	}
	return n, err
}

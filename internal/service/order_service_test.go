package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

func TestNextStatus(t *testing.T) {
	states := []models.OrderStatus{
		models.OrderStatusWaitingReceipt,
		models.OrderStatusPendingReview,
		models.OrderStatusActive,
		models.OrderStatusRejected,
		models.OrderStatusExpired,
	}
	events := []Event{EventReceiptSubmitted, EventApprove, EventReject, EventExpire, EventResubmitReceipt}

	allowed := map[models.OrderStatus]map[Event]models.OrderStatus{
		models.OrderStatusWaitingReceipt: {EventReceiptSubmitted: models.OrderStatusPendingReview},
		models.OrderStatusPendingReview:  {EventApprove: models.OrderStatusActive, EventReject: models.OrderStatusRejected},
		models.OrderStatusActive:         {EventExpire: models.OrderStatusExpired},
		models.OrderStatusRejected:       {EventResubmitReceipt: models.OrderStatusPendingReview},
	}

	for _, from := range states {
		for _, ev := range events {
			to, ok := NextStatus(from, ev)
			want, wantOK := allowed[from][ev]
			assert.Equalf(t, wantOK, ok, "%s --%s-->", from, ev)
			assert.Equalf(t, want, to, "%s --%s-->", from, ev)
		}
	}
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, " tg:1001 ", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.ID)
	assert.Equal(t, "tg:1001", order.UserRef)
	assert.Equal(t, models.OrderStatusWaitingReceipt, order.Status)
	assert.Equal(t, int64(1), order.ServerID)
	assert.Equal(t, []string{models.ActionOrderPlaced}, f.audit.actions(order.ID))

	_, err = f.svc.PlaceOrder(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.PlaceOrder(ctx, "tg:1001", 99)
	assert.ErrorIs(t, err, errNotFound)
}

func TestInvalidTransitionLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, "tg:1001", 10)
	require.NoError(t, err)
	before := f.store.get(order.ID)

	_, err = f.svc.RejectOrder(ctx, order.ID, "no receipt")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.OrderStatusWaitingReceipt, invalid.From)
	assert.Equal(t, EventReject, invalid.Event)

	_, err = f.svc.ApproveOrder(ctx, order.ID)
	require.ErrorAs(t, err, &invalid)

	_, err = f.svc.ExpireOrder(ctx, order.ID)
	require.ErrorAs(t, err, &invalid)

	assert.Equal(t, before, f.store.get(order.ID))
	add, del := f.panel.counts()
	assert.Zero(t, add)
	assert.Zero(t, del)
}

func TestApproveOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	uri, err := f.svc.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)

	stored := f.store.get(order.ID)
	require.Equal(t, models.OrderStatusActive, stored.Status)
	require.NotNil(t, stored.Grant)
	f.requireConsistent(t)

	grant := stored.Grant
	assert.Equal(t, "order-1", grant.Email)
	assert.Equal(t, 3, grant.InboundID)
	assert.Equal(t, 50*models.BytesPerGB, grant.TotalBytes)
	assert.Equal(t, testEpoch.Add(30*24*time.Hour).UnixMilli(), grant.ExpiryTime)
	assert.Equal(t, 2, grant.LimitIP)
	assert.True(t, grant.Enable)
	assert.Len(t, grant.SubID, 16)
	assert.Equal(t, grant.ExpiresAt(), *stored.ExpiresAt)
	assert.Equal(t, testEpoch, *stored.ApprovedAt)
	assert.Nil(t, stored.ClaimToken)

	assert.True(t, strings.HasPrefix(uri, "vless://"+grant.ClientID+"@example.com:443?"), uri)
	assert.Contains(t, uri, "type=ws")
	assert.Contains(t, uri, "security=tls")
	require.NotNil(t, stored.ConnectionURI)
	assert.Equal(t, uri, *stored.ConnectionURI)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tg:1001", msgs[0].UserRef)
	assert.Contains(t, msgs[0].Message, uri)
	assert.Contains(t, f.audit.actions(order.ID), models.ActionOrderApproved)
}

func TestApproveOrder_AtMostOnceProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	first, err := f.svc.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)
	second, err := f.svc.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	add, _ := f.panel.counts()
	assert.Equal(t, 1, add)
	assert.Equal(t, 1, f.panel.clientCount())
	assert.Contains(t, f.audit.actions(order.ID), models.ActionProvisioningConflict)
	f.requireConsistent(t)
}

func TestApproveOrder_ConcurrentApproversProvisionOnce(t *testing.T) {
	f := newFixture(t)
	order := f.pendingOrder(t)

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ApproveOrder(context.Background(), order.ID)
		}(i)
	}
	wg.Wait()

	var uri string
	for i, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrClaimConflict)
			continue
		}
		if uri == "" {
			uri = results[i]
		}
		assert.Equal(t, uri, results[i])
	}
	require.NotEmpty(t, uri)

	add, _ := f.panel.counts()
	assert.Equal(t, 1, add)
	f.requireConsistent(t)
}

func TestApproveOrder_PanelFailureLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)
	before := f.store.get(order.ID)

	f.panel.addErr = &client.PanelUnreachableError{ServerID: 1, Op: "POST addClient", Err: context.DeadlineExceeded}

	_, err := f.svc.ApproveOrder(ctx, order.ID)
	var unreachable *client.PanelUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Contains(t, err.Error(), "order 1")

	assert.Equal(t, before, f.store.get(order.ID))
	assert.Empty(t, f.notifier.messages())
	assert.Contains(t, f.audit.actions(order.ID), models.ActionOrderApproveFailed)
	f.requireConsistent(t)

	// the released claim lets a retry go through
	f.panel.addErr = nil
	_, err = f.svc.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)
}

func TestApproveOrder_URIFailureRevokesGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	f.panel.inbound.Protocol = "shadowsocks"

	_, err := f.svc.ApproveOrder(ctx, order.ID)
	var invalid *client.ValidationError
	require.ErrorAs(t, err, &invalid)

	add, del := f.panel.counts()
	assert.Equal(t, 1, add)
	assert.Equal(t, 1, del)
	assert.Zero(t, f.panel.clientCount())

	stored := f.store.get(order.ID)
	assert.Equal(t, models.OrderStatusPendingReview, stored.Status)
	assert.Nil(t, stored.ClaimToken)
	assert.Contains(t, f.audit.actions(order.ID), models.ActionGrantCompensated)
	f.requireConsistent(t)
}

func TestApproveOrder_CommitFailureRevokesGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	f.store.casErr = errors.New("connection reset")

	_, err := f.svc.ApproveOrder(ctx, order.ID)
	require.Error(t, err)

	assert.Zero(t, f.panel.clientCount())
	stored := f.store.get(order.ID)
	assert.Equal(t, models.OrderStatusPendingReview, stored.Status)
	assert.Nil(t, stored.ClaimToken)
	f.requireConsistent(t)
}

func TestApproveOrder_DuplicateEmailOnPanel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	f.panel.clients["left-over"] = client.ClientEntry{ID: "left-over", Email: "order-1"}

	_, err := f.svc.ApproveOrder(ctx, order.ID)
	var conflict *ProvisioningConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, order.ID, conflict.OrderID)
	assert.True(t, client.IsDuplicate(err))

	stored := f.store.get(order.ID)
	assert.Equal(t, models.OrderStatusPendingReview, stored.Status)
	assert.Contains(t, f.audit.actions(order.ID), models.ActionProvisioningConflict)
}

func TestApproveOrder_ClaimHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	ok, err := f.store.Claim(ctx, order.ID, models.OrderStatusPendingReview, "other-worker", testEpoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.ApproveOrder(ctx, order.ID)
	require.ErrorIs(t, err, ErrClaimConflict)

	add, _ := f.panel.counts()
	assert.Zero(t, add)
	assert.Contains(t, f.audit.actions(order.ID), models.ActionClaimConflict)

	// a stale claim is taken over
	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)
}

func TestApproveOrder_NotificationFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	order := f.pendingOrder(t)
	f.notifier.err = errors.New("gateway down")

	_, err := f.svc.ApproveOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusActive, f.store.get(order.ID).Status)
}

func TestRejectAndResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	_, err := f.svc.RejectOrder(ctx, order.ID, "  ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	rejected, err := f.svc.RejectOrder(ctx, order.ID, "amount does not match")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "amount does not match", *rejected.RejectionReason)
	assert.Equal(t, testEpoch, *rejected.RejectedAt)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "amount does not match")

	resubmitted, err := f.svc.ResubmitReceipt(ctx, order.ID, "file-def")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingReview, resubmitted.Status)
	assert.Nil(t, resubmitted.RejectionReason)
	assert.Nil(t, resubmitted.RejectedAt)
	assert.Equal(t, "file-def", *resubmitted.ReceiptRef)

	assert.Equal(t, resubmitted, f.store.get(order.ID))
	f.requireConsistent(t)
}

func TestRejectOrder_LosesAgainstClaimedApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t)

	ok, err := f.store.Claim(ctx, order.ID, models.OrderStatusPendingReview, "approver", testEpoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.RejectOrder(ctx, order.ID, "late reject")
	require.ErrorIs(t, err, ErrClaimConflict)
	assert.Equal(t, models.OrderStatusPendingReview, f.store.get(order.ID).Status)
}

func TestExpireOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.activeOrder(t)
	require.Equal(t, 1, f.panel.clientCount())

	f.clock.Advance(31 * 24 * time.Hour)
	expired, err := f.svc.ExpireOrder(ctx, order.ID)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusExpired, expired.Status)
	assert.Nil(t, expired.Grant)
	assert.Nil(t, expired.ExpiresAt)
	require.NotNil(t, expired.ExpiredAt)
	assert.Equal(t, f.clock.Now(), *expired.ExpiredAt)
	assert.Zero(t, f.panel.clientCount())
	assert.Equal(t, expired, f.store.get(order.ID))
	f.requireConsistent(t)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Message, "expired")

	// EXPIRED is terminal
	_, err = f.svc.ExpireOrder(ctx, order.ID)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestExpireOrder_RevokeFailureKeepsOrderActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.activeOrder(t)

	f.panel.delErrFor[order.Grant.ClientID] = &client.PanelUnreachableError{ServerID: 1, Op: "POST delClient", Err: context.DeadlineExceeded}

	_, err := f.svc.ExpireOrder(ctx, order.ID)
	var unreachable *client.PanelUnreachableError
	require.ErrorAs(t, err, &unreachable)

	stored := f.store.get(order.ID)
	assert.Equal(t, models.OrderStatusActive, stored.Status)
	assert.NotNil(t, stored.Grant)
	assert.Nil(t, stored.ClaimToken)
	assert.Contains(t, f.audit.actions(order.ID), models.ActionOrderExpireFailed)
	f.requireConsistent(t)
}

func TestExpireOrder_ClientAlreadyRemovedOnPanel(t *testing.T) {
	f := newFixture(t)
	order := f.activeOrder(t)
	delete(f.panel.clients, order.Grant.ClientID)

	expired, err := f.svc.ExpireOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, expired.Status)
}

func TestExpireOrder_ConcurrentExpiryRevokesOnce(t *testing.T) {
	f := newFixture(t)
	order := f.activeOrder(t)

	f.panel.delStarted = make(chan struct{})
	f.panel.delRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.ExpireOrder(context.Background(), order.ID)
		done <- err
	}()

	<-f.panel.delStarted
	_, err := f.svc.ExpireOrder(context.Background(), order.ID)
	require.ErrorIs(t, err, ErrClaimConflict)

	close(f.panel.delRelease)
	require.NoError(t, <-done)

	_, del := f.panel.counts()
	assert.Equal(t, 1, del)
	assert.Equal(t, models.OrderStatusExpired, f.store.get(order.ID).Status)
	f.requireConsistent(t)
}

func TestRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.pendingOrder(t)
	require.NoError(t, f.prov.Revoke(ctx, pending))
	_, del := f.panel.counts()
	assert.Zero(t, del, "an order without a grant makes no panel call")

	active := f.activeOrder(t)
	require.NoError(t, f.prov.Revoke(ctx, active))
	require.NoError(t, f.prov.Revoke(ctx, active))
	_, del = f.panel.counts()
	assert.Equal(t, 2, del)
	assert.Zero(t, f.panel.clientCount())
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pendingOrder(t)
	f.activeOrder(t)
	_, err := f.svc.PlaceOrder(ctx, "tg:2002", 10)
	require.NoError(t, err)

	all, err := f.svc.ListOrders(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := f.svc.ListOrders(ctx, models.OrderStatusPendingReview, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)

	_, err = f.svc.ListOrders(ctx, "PAID", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetOrderLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.activeOrder(t)

	logs, err := f.svc.GetOrderLogs(ctx, order.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.ActionOrderApproved, logs[0].Action)

	_, err = f.svc.GetOrderLogs(ctx, 404, 10)
	assert.ErrorIs(t, err, errNotFound)
}

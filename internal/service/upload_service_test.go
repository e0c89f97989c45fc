package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/service"
)

const adHocSheet = "User Id,Template Name,Fillers\n" +
	"u1,welcome,\"name:Asha, code:1\"\n" +
	"u2,welcome,code:2\n" +
	"u9,welcome,\"name:X, code:3\"\n"

func TestUpload_ValidateThenCommitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.svc.ValidateUpload(ctx, model.ChannelSMS, []byte(adHocSheet), "ops")
	require.NoError(t, err)
	require.NotEmpty(t, handle.AccessKey)
	require.Len(t, handle.Result.SuccessRows, 1)
	require.Len(t, handle.Result.FailedRows, 2)
	assert.Equal(t, "Filler keys missing: name", handle.Result.FailedRows[0].Errors[0].Message)
	assert.Equal(t, "User Not Found", handle.Result.FailedRows[1].Errors[0].Message)

	res, err := f.svc.CommitUpload(ctx, handle.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, res.Succeeded)
	assert.Equal(t, [][]string{{"u1"}}, f.sms.Batches())

	_, err = f.svc.CommitUpload(ctx, handle.AccessKey)
	var conflict *appErrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, f.sms.Batches(), 1)
}

func TestUpload_NothingStagedWithoutSuccessRows(t *testing.T) {
	f := newFixture(t)

	handle, err := f.svc.ValidateUpload(context.Background(), model.ChannelSMS, []byte("User Id,Template Name\nu9,welcome\n"), "ops")
	require.NoError(t, err)
	assert.Empty(t, handle.AccessKey)
	assert.Empty(t, f.uploads.uploads)
}

func TestUpload_CommitUnknownKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CommitUpload(context.Background(), "missing")
	var notFound *appErrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestUpload_CommitFailureLeavesUploadStaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.svc.ValidateUpload(ctx, model.ChannelSMS, []byte(adHocSheet), "ops")
	require.NoError(t, err)

	tmpl := f.templates.templates["tpl-sms"]
	delete(f.templates.templates, "tpl-sms")
	_, err = f.svc.CommitUpload(ctx, handle.AccessKey)
	var notFound *appErrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, model.UploadStaged, f.uploads.uploads[handle.AccessKey].Status)
	assert.Empty(t, f.sms.Batches())

	f.templates.templates["tpl-sms"] = tmpl
	res, err := f.svc.CommitUpload(ctx, handle.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, res.Succeeded)
	assert.Equal(t, model.UploadCommitted, f.uploads.uploads[handle.AccessKey].Status)
}

func TestUpload_CommitWithoutSenderLeavesUploadStaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.svc.ValidateUpload(ctx, model.ChannelPush, []byte("User Id,Template Name,Fillers\nu1,promo,name:Asha\n"), "ops")
	require.NoError(t, err)
	require.NotEmpty(t, handle.AccessKey)

	f.params.values[service.ParamSendNotificationChannel] = model.SubChannelOnesignal
	_, err = f.svc.CommitUpload(ctx, handle.AccessKey)
	var contract *appErrors.ContractError
	require.ErrorAs(t, err, &contract)
	assert.Equal(t, model.UploadStaged, f.uploads.uploads[handle.AccessKey].Status)
	assert.Empty(t, f.push.Batches())
}

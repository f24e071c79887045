package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	lastPut *s3.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string][]byte{"inbound/abc": []byte("raw")}}
	store := newS3Store(client, S3Options{Bucket: "mail", Prefix: "/dev/"})

	t.Run("读取对象", func(t *testing.T) {
		data, err := store.Get(ctx, "inbound/abc")
		require.NoError(t, err)
		assert.Equal(t, []byte("raw"), data)
	})

	t.Run("NoSuchKey 映射为 ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "inbound/missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("HEAD 风格的 NotFound 映射为 ErrNotFound", func(t *testing.T) {
		failing := newS3Store(&fakeS3{getErr: &smithy.GenericAPIError{Code: "NotFound"}}, S3Options{Bucket: "mail"})
		_, err := failing.Get(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("其它错误原样包装", func(t *testing.T) {
		failing := newS3Store(&fakeS3{getErr: errors.New("dial tcp: timeout")}, S3Options{Bucket: "mail"})
		_, err := failing.Get(ctx, "x")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("写入带前缀并设置类型", func(t *testing.T) {
		key := store.Key("smtp/1")
		assert.Equal(t, "dev/smtp/1", key)
		require.NoError(t, store.Put(ctx, key, []byte("hello")))
		assert.Equal(t, "message/rfc822", aws.ToString(client.lastPut.ContentType))
		assert.Equal(t, "mail", aws.ToString(client.lastPut.Bucket))
		assert.Equal(t, []byte("hello"), client.objects["dev/smtp/1"])
	})

	t.Run("删除对象", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "inbound/abc"))
		_, ok := client.objects["inbound/abc"]
		assert.False(t, ok)
	})
}

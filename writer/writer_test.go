package writer

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hyperflow/models"
)

// fakeS3 is an in-memory ObjectAPI.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	putErr  error
	puts    []*s3.PutObjectInput
	deleted []string
}

type fakeObject struct {
	body     []byte
	modified time.Time
	meta     map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, _ := io.ReadAll(in.Body)
	f.puts = append(f.puts, in)
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, modified: time.Now(), meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.body))),
			LastModified: aws.Time(obj.modified),
		})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		delete(f.objects, key)
		f.deleted = append(f.deleted, key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) seed(key string, body []byte, modified time.Time) {
	f.mu.Lock()
	f.objects[key] = fakeObject{body: body, modified: modified}
	f.mu.Unlock()
}

func (f *fakeS3) object(key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

func gunzip(b []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	return string(raw), err
}

// recordingSink remembers every write and can fail its flush.
type recordingSink struct {
	mu       sync.Mutex
	name     string
	writes   []models.Kind
	flushes  int
	flushErr error
}

func (r *recordingSink) Write(kind models.Kind, _ models.Record) {
	r.mu.Lock()
	r.writes = append(r.writes, kind)
	r.mu.Unlock()
}

func (r *recordingSink) FlushAndUpload(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return r.flushErr
}

func (r *recordingSink) Stats() SinkStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SinkStats{Name: r.name, Errors: int64(len(r.writes))}
}

var errBoom = errors.New("boom")

func sampleTrade() models.Trade {
	return models.Trade{
		Coin: "BTC", Side: "B", Price: "65000.5", Size: "0.01", TradeID: 42,
		Buyer: "0xb", Seller: "0xs", Hash: "0xh", Time: time.UnixMilli(1700000000000),
	}
}

func sampleBook() models.OrderBook {
	return models.OrderBook{
		Coin: "BTC",
		Time: time.UnixMilli(1700000000000),
		Bids: []models.Level{{Price: "100", Size: "1", Orders: 1}},
		Asks: []models.Level{{Price: "101", Size: "2", Orders: 1}},
	}
}

func sampleContext(source models.Source) models.AssetContext {
	return models.AssetContext{
		Coin: "BTC", Funding: "0.0001", MarkPrice: "50000", OraclePrice: "50010",
		OpenInterest: "1000", Source: source, ReceivedAt: time.UnixMilli(1700000000000),
	}
}

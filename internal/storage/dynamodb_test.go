package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Mock DynamoDB client
type mockDynamo struct {
	items      map[string]map[string]types.AttributeValue
	queryPages []*dynamodb.QueryOutput
	txErr      error
	updateErr  error

	transactions []*dynamodb.TransactWriteItemsInput
	updates      []*dynamodb.UpdateItemInput
	queries      int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemID(key map[string]types.AttributeValue) string {
	pk := key["pk"].(*types.AttributeValueMemberS).Value
	sk := key["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: m.items[itemID(params.Key)]}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queries >= len(m.queryPages) {
		return &dynamodb.QueryOutput{}, nil
	}
	page := m.queryPages[m.queries]
	m.queries++
	return page, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updates = append(m.updates, params)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(m.items, itemID(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.transactions = append(m.transactions, params)
	if m.txErr != nil {
		return nil, m.txErr
	}
	for _, ti := range params.TransactItems {
		if ti.Put != nil {
			m.items[itemID(ti.Put.Item)] = ti.Put.Item
		}
		if ti.Delete != nil {
			delete(m.items, itemID(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

// canceledAt returns a transaction cancellation whose item at index failed its condition.
func canceledAt(index, total int) error {
	reasons := make([]types.CancellationReason, total)
	for i := range reasons {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
	}
	reasons[index] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: reasons,
	}
}

func committedToken(t *testing.T) artifacts.CommitToken {
	t.Helper()
	store, err := artifacts.NewStore(t.TempDir(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	key := uuid.NewString()
	dir, err := store.Stage(key)
	if err != nil {
		t.Fatal(err)
	}
	files := []string{"480p.mp4", "360p.mp4", "thumbnail.jpg"}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	token, err := store.Commit(context.Background(), key, files)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func putVideo(t *testing.T, m *mockDynamo, v *models.Video) {
	t.Helper()
	item, err := attributevalue.MarshalMap(newVideoItem(v))
	if err != nil {
		t.Fatal(err)
	}
	m.items[videoPK(v.ID)+"|"+metadataSK] = item
}

func sampleVideo(id, author string) *models.Video {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Video{
		ID:         id,
		Title:      "Cats",
		VideoKey:   uuid.NewString(),
		AuthorID:   author,
		Status:     models.StatusDone,
		Renditions: []string{"360p"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestNewDynamoCatalog_RequiresTable(t *testing.T) {
	if _, err := NewDynamoCatalog(newMockDynamo(), ""); err == nil {
		t.Error("expected error for empty table name")
	}
}

func TestDynamoCatalog_CreateVideo(t *testing.T) {
	mock := newMockDynamo()
	catalog, _ := NewDynamoCatalog(mock, "videos")
	token := committedToken(t)

	video, err := catalog.CreateVideo(context.Background(), token, models.NewVideo{
		Title:           "  Holiday  ",
		AuthorID:        "user-1",
		DurationSeconds: 42,
		ThumbnailURL:    "http://localhost:4000/static/videos/" + token.Key() + "/thumbnail.jpg",
	})
	if err != nil {
		t.Fatalf("CreateVideo() error = %v", err)
	}

	if video.Status != models.StatusDone {
		t.Errorf("Status = %s, want done", video.Status)
	}
	if video.Title != "Holiday" {
		t.Errorf("Title = %q, want trimmed", video.Title)
	}
	if video.VideoKey != token.Key() {
		t.Errorf("VideoKey = %s, want %s", video.VideoKey, token.Key())
	}
	if len(video.Renditions) != 2 || video.Renditions[0] != "480p" || video.Renditions[1] != "360p" {
		t.Errorf("Renditions = %v, want [480p 360p]", video.Renditions)
	}

	if len(mock.transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(mock.transactions))
	}
	items := mock.transactions[0].TransactItems
	if len(items) != 3 || items[0].ConditionCheck == nil {
		t.Fatalf("transaction should check the author first, got %+v", items)
	}

	got, err := catalog.GetVideoByKey(context.Background(), token.Key())
	if err != nil {
		t.Fatalf("GetVideoByKey() error = %v", err)
	}
	if got.ID != video.ID || got.DurationSeconds != 42 {
		t.Errorf("GetVideoByKey() = %+v", got)
	}
}

func TestDynamoCatalog_CreateVideo_Errors(t *testing.T) {
	token := committedToken(t)
	valid := models.NewVideo{Title: "t", AuthorID: "user-1"}

	tests := []struct {
		name    string
		token   artifacts.CommitToken
		video   models.NewVideo
		txErr   error
		wantErr error
	}{
		{"uncommitted artifacts", artifacts.CommitToken{}, valid, nil, models.ErrCommit},
		{"missing title", token, models.NewVideo{AuthorID: "user-1"}, nil, models.ErrMissingTitle},
		{"unknown author", token, valid, canceledAt(0, 3), models.ErrAuthorNotFound},
		{"duplicate key", token, valid, canceledAt(2, 3), models.ErrDuplicateVideoKey},
		{"dynamo failure", token, valid, errors.New("throttled"), models.ErrCatalog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockDynamo()
			mock.txErr = tt.txErr
			catalog, _ := NewDynamoCatalog(mock, "videos")

			_, err := catalog.CreateVideo(context.Background(), tt.token, tt.video)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateVideo() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDynamoCatalog_GetVideo_NotFound(t *testing.T) {
	catalog, _ := NewDynamoCatalog(newMockDynamo(), "videos")

	if _, err := catalog.GetVideo(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetVideo() error = %v, want ErrNotFound", err)
	}
	if _, err := catalog.GetVideoByKey(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetVideoByKey() error = %v, want ErrNotFound", err)
	}
}

func TestDynamoCatalog_ListVideos_SearchAcrossPages(t *testing.T) {
	page := func(titles ...string) *dynamodb.QueryOutput {
		out := &dynamodb.QueryOutput{}
		for _, title := range titles {
			v := sampleVideo(uuid.NewString(), "user-1")
			v.Title = title
			item, err := attributevalue.MarshalMap(newVideoItem(v))
			if err != nil {
				t.Fatal(err)
			}
			out.Items = append(out.Items, item)
		}
		return out
	}

	mock := newMockDynamo()
	first := page("Funny CATS", "Dogs")
	first.LastEvaluatedKey = map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "next"}}
	mock.queryPages = []*dynamodb.QueryOutput{first, page("cat videos", "Birds")}
	catalog, _ := NewDynamoCatalog(mock, "videos")

	videos, err := catalog.ListVideos(context.Background(), "cat")
	if err != nil {
		t.Fatalf("ListVideos() error = %v", err)
	}
	if len(videos) != 2 || videos[0].Title != "Funny CATS" || videos[1].Title != "cat videos" {
		t.Errorf("ListVideos() = %v", videos)
	}
	if mock.queries != 2 {
		t.Errorf("queries = %d, want 2 pages", mock.queries)
	}
}

func TestDynamoCatalog_UpdateVideo(t *testing.T) {
	mock := newMockDynamo()
	putVideo(t, mock, sampleVideo("v1", "owner"))
	catalog, _ := NewDynamoCatalog(mock, "videos")

	title := "Renamed"
	if _, err := catalog.UpdateVideo(context.Background(), "v1", "intruder", models.VideoUpdate{Title: &title}); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("non-owner UpdateVideo() error = %v, want ErrForbidden", err)
	}
	if len(mock.updates) != 0 {
		t.Error("non-owner update reached DynamoDB")
	}

	video, err := catalog.UpdateVideo(context.Background(), "v1", "owner", models.VideoUpdate{Title: &title})
	if err != nil {
		t.Fatalf("UpdateVideo() error = %v", err)
	}
	if video.Title != "Renamed" {
		t.Errorf("Title = %s, want Renamed", video.Title)
	}

	blank := " "
	if _, err := catalog.UpdateVideo(context.Background(), "v1", "owner", models.VideoUpdate{Title: &blank}); !errors.Is(err, models.ErrMissingTitle) {
		t.Errorf("blank title error = %v, want ErrMissingTitle", err)
	}
}

func TestDynamoCatalog_DeleteVideo(t *testing.T) {
	mock := newMockDynamo()
	v := sampleVideo("v1", "owner")
	putVideo(t, mock, v)
	catalog, _ := NewDynamoCatalog(mock, "videos")

	if _, err := catalog.DeleteVideo(context.Background(), "v1", "intruder"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("non-owner DeleteVideo() error = %v, want ErrForbidden", err)
	}

	deleted, err := catalog.DeleteVideo(context.Background(), "v1", "owner")
	if err != nil {
		t.Fatalf("DeleteVideo() error = %v", err)
	}
	if deleted.VideoKey != v.VideoKey {
		t.Errorf("deleted.VideoKey = %s, want %s", deleted.VideoKey, v.VideoKey)
	}
	if _, err := catalog.GetVideo(context.Background(), "v1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetVideo() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDynamoCatalog_RecordView(t *testing.T) {
	tests := []struct {
		name    string
		txErr   error
		wantErr error
	}{
		{"first view", nil, nil},
		{"repeat view is a no-op", canceledAt(0, 2), nil},
		{"unknown video", canceledAt(1, 2), models.ErrNotFound},
		{"dynamo failure", errors.New("throttled"), models.ErrCatalog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockDynamo()
			mock.txErr = tt.txErr
			catalog, _ := NewDynamoCatalog(mock, "videos")

			err := catalog.RecordView(context.Background(), "v1", "viewer")
			if tt.wantErr == nil && err != nil {
				t.Errorf("RecordView() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("RecordView() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRenditionsOf(t *testing.T) {
	got := renditionsOf(committedToken(t))
	if len(got) != 2 || got[0] != "480p" || got[1] != "360p" {
		t.Errorf("renditionsOf() = %v, want [480p 360p]", got)
	}
}

func TestMatchesSearch(t *testing.T) {
	tests := []struct {
		title, search string
		want          bool
	}{
		{"Funny Cats", "", true},
		{"Funny Cats", "cat", true},
		{"Funny Cats", "  CATS ", true},
		{"Funny Cats", "dog", false},
	}
	for _, tt := range tests {
		if got := matchesSearch(tt.title, tt.search); got != tt.want {
			t.Errorf("matchesSearch(%q, %q) = %v, want %v", tt.title, tt.search, got, tt.want)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Errorf("escapeLike() = %s", got)
	}
}

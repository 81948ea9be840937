package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Single-table key layout
const (
	allVideosPK  = "ALL_VIDEOS"
	metadataSK   = "METADATA"
	profileSK    = "PROFILE"
	keyItemSK    = "VIDEO"
	viewSKPrefix = "VIEW#"
)

func videoPK(id string) string     { return "VIDEO#" + id }
func userPK(id string) string      { return "USER#" + id }
func keyPK(videoKey string) string { return "KEY#" + videoKey }
func authorPK(id string) string    { return "AUTHOR#" + id }

// DynamoAPI is the subset of the DynamoDB client used by DynamoCatalog.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// videoItem is the DynamoDB shape of a video record.
type videoItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	GSI2PK string `dynamodbav:"gsi2pk"`
	GSI2SK string `dynamodbav:"gsi2sk"`

	VideoID         string   `dynamodbav:"video_id"`
	Title           string   `dynamodbav:"title"`
	Description     string   `dynamodbav:"description"`
	ThumbnailURL    string   `dynamodbav:"thumbnail_url"`
	VideoKey        string   `dynamodbav:"video_key"`
	DurationSeconds int      `dynamodbav:"duration_seconds"`
	AuthorID        string   `dynamodbav:"author_id"`
	Status          string   `dynamodbav:"status"`
	Renditions      []string `dynamodbav:"renditions"`
	LikesCount      int64    `dynamodbav:"likes_count"`
	ViewsCount      int64    `dynamodbav:"views_count"`
	CreatedAt       string   `dynamodbav:"created_at"`
	UpdatedAt       string   `dynamodbav:"updated_at"`
}

func newVideoItem(v *models.Video) videoItem {
	created := v.CreatedAt.UTC().Format(time.RFC3339Nano)
	return videoItem{
		PK:              videoPK(v.ID),
		SK:              metadataSK,
		GSI1PK:          allVideosPK,
		GSI1SK:          created + "#" + v.ID,
		GSI2PK:          authorPK(v.AuthorID),
		GSI2SK:          created + "#" + v.ID,
		VideoID:         v.ID,
		Title:           v.Title,
		Description:     v.Description,
		ThumbnailURL:    v.ThumbnailURL,
		VideoKey:        v.VideoKey,
		DurationSeconds: v.DurationSeconds,
		AuthorID:        v.AuthorID,
		Status:          string(v.Status),
		Renditions:      v.Renditions,
		LikesCount:      v.LikesCount,
		ViewsCount:      v.ViewsCount,
		CreatedAt:       created,
		UpdatedAt:       v.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (it videoItem) toModel() models.Video {
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	renditions := it.Renditions
	if renditions == nil {
		renditions = []string{}
	}
	return models.Video{
		ID:              it.VideoID,
		Title:           it.Title,
		Description:     it.Description,
		ThumbnailURL:    it.ThumbnailURL,
		VideoKey:        it.VideoKey,
		DurationSeconds: it.DurationSeconds,
		AuthorID:        it.AuthorID,
		Status:          models.VideoStatus(it.Status),
		Renditions:      renditions,
		LikesCount:      it.LikesCount,
		ViewsCount:      it.ViewsCount,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
}

// DynamoCatalog stores video records in a single DynamoDB table with GSI1
// (all videos by time) and GSI2 (videos by author).
type DynamoCatalog struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoCatalog creates a catalog over an existing client.
func NewDynamoCatalog(client DynamoAPI, tableName string) (*DynamoCatalog, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return &DynamoCatalog{client: client, tableName: tableName}, nil
}

func (c *DynamoCatalog) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// Ping checks that the table is reachable.
func (c *DynamoCatalog) Ping(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	return err
}

// CreateVideo writes the record, the video key claim and the author check in
// one transaction.
func (c *DynamoCatalog) CreateVideo(ctx context.Context, token artifacts.CommitToken, v models.NewVideo) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "catalog-create")
	defer span.End()

	if err := checkCreate(token, &v); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	video := &models.Video{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(v.Title),
		Description:     v.Description,
		ThumbnailURL:    v.ThumbnailURL,
		VideoKey:        token.Key(),
		DurationSeconds: v.DurationSeconds,
		AuthorID:        v.AuthorID,
		Status:          models.StatusDone,
		Renditions:      renditionsOf(token),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	item, err := attributevalue.MarshalMap(newVideoItem(video))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal video: %w", models.ErrCatalog, err)
	}
	keyItem := c.key(keyPK(video.VideoKey), keyItemSK)
	keyItem["video_id"] = &types.AttributeValueMemberS{Value: video.ID}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(userPK(video.AuthorID), profileSK),
					ConditionExpression: aws.String("attribute_exists(pk)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                keyItem,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		switch failedCondition(err) {
		case 0:
			return nil, fmt.Errorf("%w: %s", models.ErrAuthorNotFound, video.AuthorID)
		case 1, 2:
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicateVideoKey, video.VideoKey)
		}
		return nil, fmt.Errorf("%w: failed to create video: %w", models.ErrCatalog, err)
	}

	return video, nil
}

// GetVideo retrieves a record by id.
func (c *DynamoCatalog) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(videoPK(id), metadataSK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get video: %w", models.ErrCatalog, err)
	}
	if result.Item == nil {
		return nil, models.ErrNotFound
	}

	var it videoItem
	if err := attributevalue.UnmarshalMap(result.Item, &it); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal video: %w", models.ErrCatalog, err)
	}
	video := it.toModel()
	return &video, nil
}

// GetVideoByKey resolves the key claim item and then the record.
func (c *DynamoCatalog) GetVideoByKey(ctx context.Context, videoKey string) (*models.Video, error) {
	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(keyPK(videoKey), keyItemSK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get video key: %w", models.ErrCatalog, err)
	}
	if result.Item == nil {
		return nil, models.ErrNotFound
	}

	idAttr, ok := result.Item["video_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, models.ErrNotFound
	}
	return c.GetVideo(ctx, idAttr.Value)
}

// ListVideos returns every record newest first, filtered by a
// case-insensitive title substring when search is set.
func (c *DynamoCatalog) ListVideos(ctx context.Context, search string) ([]models.Video, error) {
	all, err := c.queryIndex(ctx, "GSI1", "gsi1pk", allVideosPK)
	if err != nil {
		return nil, err
	}
	videos := make([]models.Video, 0, len(all))
	for _, v := range all {
		if matchesSearch(v.Title, search) {
			videos = append(videos, v)
		}
	}
	return videos, nil
}

// ListByAuthor returns the author's records newest first.
func (c *DynamoCatalog) ListByAuthor(ctx context.Context, authorID string) ([]models.Video, error) {
	return c.queryIndex(ctx, "GSI2", "gsi2pk", authorPK(authorID))
}

func (c *DynamoCatalog) queryIndex(ctx context.Context, index, attr, value string) ([]models.Video, error) {
	videos := make([]models.Video, 0)
	var startKey map[string]types.AttributeValue

	for {
		result, err := c.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(index),
			KeyConditionExpression: aws.String(attr + " = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: value},
			},
			ScanIndexForward:  aws.Bool(false), // newest first
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list videos: %w", models.ErrCatalog, err)
		}

		var items []videoItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal videos: %w", models.ErrCatalog, err)
		}
		for _, it := range items {
			videos = append(videos, it.toModel())
		}

		if len(result.LastEvaluatedKey) == 0 {
			return videos, nil
		}
		startKey = result.LastEvaluatedKey
	}
}

// UpdateVideo applies an owner edit.
func (c *DynamoCatalog) UpdateVideo(ctx context.Context, id, userID string, patch models.VideoUpdate) (*models.Video, error) {
	video, err := c.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	if !video.OwnedBy(userID) {
		return nil, models.ErrForbidden
	}

	patch.Apply(video)
	if strings.TrimSpace(video.Title) == "" {
		return nil, models.ErrMissingTitle
	}
	video.UpdatedAt = time.Now().UTC()

	_, err = c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              c.key(videoPK(id), metadataSK),
		UpdateExpression: aws.String("SET title = :title, description = :description, updated_at = :updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title":       &types.AttributeValueMemberS{Value: video.Title},
			":description": &types.AttributeValueMemberS{Value: video.Description},
			":updated_at":  &types.AttributeValueMemberS{Value: video.UpdatedAt.Format(time.RFC3339Nano)},
			":author":      &types.AttributeValueMemberS{Value: userID},
		},
		ConditionExpression: aws.String("attribute_exists(pk) AND author_id = :author"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to update video: %w", models.ErrCatalog, err)
	}

	return video, nil
}

// DeleteVideo removes an owned record and its key claim.
func (c *DynamoCatalog) DeleteVideo(ctx context.Context, id, userID string) (*models.Video, error) {
	video, err := c.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	if !video.OwnedBy(userID) {
		return nil, models.ErrForbidden
	}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(videoPK(id), metadataSK),
					ConditionExpression: aws.String("author_id = :author"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":author": &types.AttributeValueMemberS{Value: userID},
					},
				},
			},
			{
				Delete: &types.Delete{
					TableName: aws.String(c.tableName),
					Key:       c.key(keyPK(video.VideoKey), keyItemSK),
				},
			},
		},
	})
	if err != nil {
		if failedCondition(err) == 0 {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to delete video: %w", models.ErrCatalog, err)
	}

	c.deleteViews(ctx, id)
	return video, nil
}

// deleteViews removes the per-user view markers of a deleted video. They are
// unreachable once the record is gone, so failures are ignored.
func (c *DynamoCatalog) deleteViews(ctx context.Context, id string) {
	result, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :view)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: videoPK(id)},
			":view": &types.AttributeValueMemberS{Value: viewSKPrefix},
		},
	})
	if err != nil {
		return
	}
	for _, item := range result.Items {
		sk, ok := item["sk"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		_, _ = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.tableName),
			Key:       c.key(videoPK(id), sk.Value),
		})
	}
}

// RecordView writes a per-user view marker and bumps views_count in one
// transaction. A repeated view is a no-op.
func (c *DynamoCatalog) RecordView(ctx context.Context, videoID, userID string) error {
	marker := c.key(videoPK(videoID), viewSKPrefix+userID)
	marker["user_id"] = &types.AttributeValueMemberS{Value: userID}
	marker["created_at"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}

	_, err := c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                marker,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(videoPK(videoID), metadataSK),
					UpdateExpression:    aws.String("ADD views_count :one"),
					ConditionExpression: aws.String("attribute_exists(pk)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		switch failedCondition(err) {
		case 0:
			return nil
		case 1:
			return models.ErrNotFound
		}
		return fmt.Errorf("%w: failed to record view: %w", models.ErrCatalog, err)
	}
	return nil
}

// failedCondition returns the index of the first transaction item whose
// condition failed, or -1.
func failedCondition(err error) int {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return -1
	}
	for i, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return i
		}
	}
	return -1
}

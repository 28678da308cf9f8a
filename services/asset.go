package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/makersgate/creator_api/dto"
	"github.com/makersgate/creator_api/shared"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// AssetService serves purchased digital assets out of object storage.
// Downloads are gated on the caller's entitlement set.
type AssetService struct {
	appContext.DefaultService

	client     *minio.Client
	sqlSvc     *SqlService
	bucketName string
	endpoint   string
	accessKey  string
	secretKey  string
	useSSL     bool

	urlExpiry time.Duration
}

const ASSET_SVC = "asset_svc"

func (svc AssetService) Id() string {
	return ASSET_SVC
}

func (svc *AssetService) Configure(ctx *appContext.Context) error {
	svc.endpoint = os.Getenv("MINIO_ENDPOINT")
	if svc.endpoint == "" {
		svc.endpoint = "localhost:9000"
	}

	svc.accessKey = os.Getenv("MINIO_ACCESS_KEY")
	svc.secretKey = os.Getenv("MINIO_SECRET_KEY")
	svc.useSSL = os.Getenv("MINIO_USE_SSL") == "true"

	svc.bucketName = os.Getenv("MINIO_BUCKET_NAME")
	if svc.bucketName == "" {
		svc.bucketName = "creator-assets"
	}

	svc.urlExpiry = time.Hour
	if v := os.Getenv("ASSET_URL_EXPIRY"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			svc.urlExpiry = parsed
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *AssetService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)

	client, err := minio.New(svc.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(svc.accessKey, svc.secretKey, ""),
		Secure: svc.useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	svc.client = client
	log.Printf("Asset storage connected: %s/%s", svc.endpoint, svc.bucketName)
	return nil
}

// GetDownloadURL returns a presigned URL for an asset the account owns.
func (svc *AssetService) GetDownloadURL(accountID, assetID string) (*dto.AssetDownloadResponse, error) {
	owned, err := svc.sqlSvc.HasEntitlement(accountID, assetID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, shared.NewAppError(http.StatusForbidden, "Asset not in account entitlements", nil)
	}

	objectName := fmt.Sprintf("assets/%s", assetID)
	presignedURL, err := svc.client.PresignedGetObject(context.Background(), svc.bucketName, objectName, svc.urlExpiry, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate presigned URL: %v", err)
	}

	return &dto.AssetDownloadResponse{
		AssetID:   assetID,
		URL:       presignedURL.String(),
		ExpiresIn: int(svc.urlExpiry.Seconds()),
	}, nil
}

// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

// Package ftp moves file content between the frontend and the storage area
// the analysis backend reads from and writes to. Content is addressed per
// scan: objects live under <scan external id>/<sha256> in a shared bucket.
package ftp

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/minio/minio-go"
	log "github.com/sirupsen/logrus"
)

// S3Credentials represents a set of data required to access an S3 resource.
type S3Credentials struct {
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	BucketName      string
	Region          string
}

// Transfer uploads scan content to, and downloads backend-produced files
// from, an S3 endpoint shared with the analysis backend.
type Transfer struct {
	// Creds contains the required credentials for the S3 connection.
	Creds S3Credentials
	// UseSSL is true if SSL should be used for transfers.
	UseSSL bool
	// Client is a Minio client connecting to the given endpoint.
	Client *minio.Client
}

// MakeTransfer returns a new Transfer for the given credentials and
// environment settings.
func MakeTransfer(creds S3Credentials, ssl bool) (*Transfer, error) {
	client, err := minio.New(creds.Endpoint, creds.AccessKey, creds.SecretAccessKey, ssl)
	if err != nil {
		return nil, err
	}
	return &Transfer{
		Creds:  creds,
		UseSSL: ssl,
		Client: client,
	}, nil
}

func (t *Transfer) objectName(scanID, sha256 string) string {
	return fmt.Sprintf("%s/%s", scanID, sha256)
}

// UploadScan pushes the given locally stored files (named by their sha256)
// into the scan's area of the shared bucket. The first failing upload aborts
// the batch.
func (t *Transfer) UploadScan(scanID string, paths []string) error {
	for _, localPath := range paths {
		objectName := t.objectName(scanID, filepath.Base(localPath))
		log.Debugf("bucket %s object '%s' localpath %s", t.Creds.BucketName,
			objectName, localPath)
		size, err := t.Client.FPutObject(t.Creds.BucketName, objectName,
			localPath, minio.PutObjectOptions{
				ContentType: "application/octet-stream",
			})
		if err != nil {
			log.Errorf("upload of %s failed: %s", objectName, err)
			return err
		}
		log.Infof("successfully uploaded %s (size %d)", objectName, size)
	}
	return nil
}

// DownloadFile retrieves a backend-produced file for the given scan by its
// sha256.
func (t *Transfer) DownloadFile(scanID, sha256 string) ([]byte, error) {
	objectName := t.objectName(scanID, sha256)
	obj, err := t.Client.GetObject(t.Creds.BucketName, objectName,
		minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	log.Debugf("downloaded %s (size %d)", objectName, len(data))
	return data, nil
}

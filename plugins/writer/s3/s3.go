// Package s3 将报告上传到 S3 兼容的对象存储（AWS S3、MinIO 等）。
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reposumm/pkg/contract"
)

// 缺省凭据环境变量。
const (
	DefaultAccessKeyEnv = "REPOSUMM_S3_ACCESS_KEY"
	DefaultSecretKeyEnv = "REPOSUMM_S3_SECRET_KEY"
)

// Options: 对象存储目标。Endpoint 为 host[:port]，不含协议。
type Options struct {
	Endpoint     string `json:"endpoint"`
	Region       string `json:"region"`
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	AccessKeyEnv string `json:"access_key_env"`
	SecretKeyEnv string `json:"secret_key_env"`
	UseSSL       bool   `json:"use_ssl"`
	// CreateBucket: 首次写入前若桶不存在则创建。
	CreateBucket bool `json:"create_bucket"`
	// ContentType: 为空时按扩展名推断。
	ContentType string `json:"content_type"`
}

// Writer 以 PutObject 写入 <prefix>/<id>。
type Writer struct {
	client      *minio.Client
	bucket      string
	region      string
	prefix      string
	create      bool
	contentType string

	initOnce sync.Once
	initErr  error
}

var _ contract.Writer = (*Writer)(nil)

// New 校验选项并构造客户端（不发起网络请求）。缺少必需项返回配置错误。
func New(opts *Options) (*Writer, error) {
	if opts == nil {
		return nil, cfgErr(errors.New("missing options"))
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if endpoint == "" {
		return nil, cfgErr(errors.New("endpoint is required"))
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, cfgErr(errors.New("bucket is required"))
	}
	access := credential(opts.AccessKey, opts.AccessKeyEnv, DefaultAccessKeyEnv)
	secret := credential(opts.SecretKey, opts.SecretKeyEnv, DefaultSecretKeyEnv)
	if access == "" || secret == "" {
		return nil, cfgErr(errors.New("access key and secret key are required"))
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, cfgErr(fmt.Errorf("init client: %w", err))
	}
	return &Writer{
		client:      client,
		bucket:      bucket,
		region:      region,
		prefix:      strings.Trim(strings.TrimSpace(opts.Prefix), "/"),
		create:      opts.CreateBucket,
		contentType: strings.TrimSpace(opts.ContentType),
	}, nil
}

func cfgErr(err error) error {
	return contract.E(contract.KindConfiguration, "s3", "", err)
}

func credential(inline, env, def string) string {
	if v := strings.TrimSpace(inline); v != "" {
		return v
	}
	if strings.TrimSpace(env) == "" {
		env = def
	}
	return strings.TrimSpace(os.Getenv(env))
}

// Key 返回 id 对应的对象键。
func (w *Writer) Key(id contract.ArtifactID) (string, error) {
	rel := strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(string(id), "\\", "/")), "/")
	if rel == "" || rel == "-" {
		return "", contract.ErrPathInvalid
	}
	if w.prefix == "" {
		return rel, nil
	}
	return w.prefix + "/" + rel, nil
}

func (w *Writer) ensureBucket(ctx context.Context) error {
	w.initOnce.Do(func() {
		exists, err := w.client.BucketExists(ctx, w.bucket)
		if err != nil {
			w.initErr = err
			return
		}
		if exists {
			return
		}
		w.initErr = w.client.MakeBucket(ctx, w.bucket, minio.MakeBucketOptions{Region: w.region})
	})
	return w.initErr
}

// Write 读取全部内容后一次性上传（报告体积有限，已知长度可避免分片上传）。
func (w *Writer) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := w.Key(id)
	if err != nil {
		return err
	}
	if w.create {
		if err := w.ensureBucket(ctx); err != nil {
			return fmt.Errorf("s3: ensure bucket %s: %w", w.bucket, err)
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	ct := w.contentType
	if ct == "" {
		ct = contentTypeFor(key)
	}
	if _, err := w.client.PutObject(ctx, w.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: ct}); err != nil {
		return fmt.Errorf("s3: put %s/%s: %w", w.bucket, key, err)
	}
	return nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

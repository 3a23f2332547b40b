package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// yamlFile mirrors the optional configuration file. Pointer fields
// distinguish "absent" from zero values so the overlay only touches keys
// the file actually sets.
type yamlFile struct {
	Server struct {
		Host  *string `yaml:"host"`
		Port  *int    `yaml:"port"`
		Debug *bool   `yaml:"debug"`
	} `yaml:"server"`
	Storage struct {
		S3 struct {
			Endpoint     *string `yaml:"endpoint"`
			Bucket       *string `yaml:"bucket"`
			Region       *string `yaml:"region"`
			AccessKeyEnv *string `yaml:"access_key_env"`
			SecretKeyEnv *string `yaml:"secret_key_env"`
			UseSSL       *bool   `yaml:"use_ssl"`
		} `yaml:"s3"`
	} `yaml:"storage"`
	Cache struct {
		Enabled            *bool    `yaml:"enabled"`
		MaxSizeGB          *int     `yaml:"max_size_gb"`
		MutableTagPatterns []string `yaml:"mutable_tag_patterns"`
	} `yaml:"cache"`
	Auth struct {
		Enabled       *bool   `yaml:"enabled"`
		AnonymousPull *bool   `yaml:"anonymous_pull"`
		JWTSecretEnv  *string `yaml:"jwt_secret_env"`
	} `yaml:"auth"`
}

func (c *Config) applyYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.applyYAML(data)
}

func (c *Config) applyYAML(data []byte) error {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	if f.Server.Host != nil {
		c.Host = *f.Server.Host
	}
	if f.Server.Port != nil {
		c.Port = strconv.Itoa(*f.Server.Port)
	}
	if f.Server.Debug != nil {
		c.Debug = *f.Server.Debug
	}

	s3 := f.Storage.S3
	if s3.Endpoint != nil {
		c.S3.Endpoint = *s3.Endpoint
	}
	if s3.Bucket != nil {
		c.S3.Bucket = *s3.Bucket
	}
	if s3.Region != nil {
		c.S3.Region = *s3.Region
	}
	if s3.AccessKeyEnv != nil {
		c.S3.AccessKey = os.Getenv(*s3.AccessKeyEnv)
	}
	if s3.SecretKeyEnv != nil {
		c.S3.SecretKey = os.Getenv(*s3.SecretKeyEnv)
	}
	if s3.UseSSL != nil {
		c.S3.UseSSL = *s3.UseSSL
	}

	if f.Cache.Enabled != nil {
		c.Cache.Enabled = *f.Cache.Enabled
	}
	if f.Cache.MaxSizeGB != nil {
		c.Cache.MaxSizeGB = *f.Cache.MaxSizeGB
	}
	if len(f.Cache.MutableTagPatterns) > 0 {
		c.Cache.MutableTagPatterns = f.Cache.MutableTagPatterns
	}

	if f.Auth.Enabled != nil {
		c.Auth.Enabled = *f.Auth.Enabled
	}
	if f.Auth.AnonymousPull != nil {
		c.Auth.AnonymousPull = *f.Auth.AnonymousPull
	}
	if f.Auth.JWTSecretEnv != nil {
		c.Auth.JWTSecret = os.Getenv(*f.Auth.JWTSecretEnv)
	}

	return nil
}

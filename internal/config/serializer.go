package config

import (
	"encoding/json"

	"gopkg.in/yaml.v2"
)

// Serializer 配置文件格式
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	GetFileExt() string
	GetName() string
}

type YAMLSerializer struct{}

func (y *YAMLSerializer) Marshal(v interface{}) ([]byte, error) {
	return yaml.Marshal(v)
}

func (y *YAMLSerializer) Unmarshal(data []byte, v interface{}) error {
	return yaml.Unmarshal(data, v)
}

func (y *YAMLSerializer) GetFileExt() string { return ".yml" }

func (y *YAMLSerializer) GetName() string { return "yaml" }

type JSONSerializer struct{}

func (j *JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (j *JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (j *JSONSerializer) GetFileExt() string { return ".json" }

func (j *JSONSerializer) GetName() string { return "json" }

var formats = []Serializer{&YAMLSerializer{}, &JSONSerializer{}}

// serializerFor 按后缀选择，.yaml 与 .yml 等价，无法识别时按 YAML 解析
func serializerFor(path string) Serializer {
	ext := extOf(path)
	if ext == ".yaml" {
		ext = ".yml"
	}
	for _, f := range formats {
		if f.GetFileExt() == ext {
			return f
		}
	}
	return formats[0]
}

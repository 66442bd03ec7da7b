package auth

import (
	"os"
	"path/filepath"
)

var (
	// 证书和私钥的绝对路径名

	// CA
	CAFile = ConfigFile("ca.pem")

	// 服务端
	ServerCertFile = ConfigFile("server.pem")
	ServerKeyFile  = ConfigFile("server-key.pem")

	// 客户端
	ClientCertFile = ConfigFile("client.pem")
	ClientKeyFile  = ConfigFile("client-key.pem")

	// 授权时使用的配置和策略文件
	ACLModelFile  = ConfigFile("model.conf")
	ACLPolicyFile = ConfigFile("policy.csv")
)

// 设置了 CONFIG_DIR 环境变量时在该目录下查找文件
// 否则在 $HOME/.commitlog 目录下查找
func ConfigFile(filename string) string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, filename)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(homeDir, ".commitlog", filename)
}

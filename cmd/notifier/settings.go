package main

type Settings struct {
	Port                     int      `env:"PORT,default=8000"`
	BasePath                 string   `env:"BASE_PATH,default=/realtime"`
	JWTSecret                string   `env:"JWT_SECRET,required=true"`
	APIKeys                  []string `env:"API_KEYS"`
	MongoURI                 string   `env:"MONGODB_URI"`
	MongoDatabase            string   `env:"MONGODB_DATABASE,default=compliance"`
	HeartbeatIntervalSeconds int      `env:"HEARTBEAT_INTERVAL_SECONDS,default=30"`
	SendBufferSize           int      `env:"SEND_BUFFER_SIZE,default=64"`
	LogEncoding              string   `env:"LOG_ENCODING,default=console"`
}

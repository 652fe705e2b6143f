package main

import (
	"os"
	"strconv"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/jsii-runtime-go"
)

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)

	NewDetectionStack(app, "ObjectDetectionStack", &DetectionStackProps{
		StackProps: awscdk.StackProps{
			Env: env(),
		},
		ImageDir:  contextString(app, "imageDir", ".."),
		ModelName: contextString(app, "modelName", ""),
		Dataset:   contextString(app, "dataset", ""),
		MemoryMB:  contextNumber(app, "memoryMB"),
	})

	app.Synth(nil)
}

func contextString(app awscdk.App, key, fallback string) string {
	if v, ok := app.Node().TryGetContext(jsii.String(key)).(string); ok && v != "" {
		return v
	}
	return fallback
}

func contextNumber(app awscdk.App, key string) float64 {
	switch v := app.Node().TryGetContext(jsii.String(key)).(type) {
	case float64:
		return v
	case string:
		n, _ := strconv.ParseFloat(v, 64)
		return n
	}
	return 0
}

// env targets the account and region of the deploying credentials when
// they are known, otherwise the stack stays environment-agnostic.
func env() *awscdk.Environment {
	account, region := os.Getenv("CDK_DEFAULT_ACCOUNT"), os.Getenv("CDK_DEFAULT_REGION")
	if account == "" || region == "" {
		return nil
	}
	return &awscdk.Environment{
		Account: jsii.String(account),
		Region:  jsii.String(region),
	}
}

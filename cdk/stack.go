package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsevents"
	"github.com/aws/aws-cdk-go/awscdk/v2/awseventstargets"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	inputPrefix    = "inputs/"
	defaultPlotDir = "/tmp/output_images"
)

type DetectionStackProps struct {
	awscdk.StackProps

	// ImageDir holds the Dockerfile the function image is built from.
	ImageDir string

	ModelName string
	Dataset   string

	MemoryMB      float64
	TimeoutSec    float64
	EphemeralMB   float64
	RetryAttempts float64
}

func (p *DetectionStackProps) withDefaults() {
	if p.ModelName == "" {
		p.ModelName = "yolov8n"
	}
	if p.Dataset == "" {
		p.Dataset = "coco"
	}
	if p.MemoryMB == 0 {
		p.MemoryMB = 4096
	}
	if p.TimeoutSec == 0 {
		p.TimeoutSec = 300
	}
	if p.EphemeralMB == 0 {
		p.EphemeralMB = 4096
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = 2
	}
}

// DetectionStack is the bucket, the inference function and the rule that
// routes object-created events under inputs/ to it.
type DetectionStack struct {
	awscdk.Stack

	Bucket   awss3.Bucket
	Function awslambda.DockerImageFunction
	Rule     awsevents.Rule
}

func NewDetectionStack(scope constructs.Construct, id string, props *DetectionStackProps) *DetectionStack {
	if props == nil {
		props = &DetectionStackProps{}
	}
	props.withDefaults()

	stack := awscdk.NewStack(scope, &id, &props.StackProps)

	bucket := awss3.NewBucket(stack, jsii.String("ImageBucket"), &awss3.BucketProps{
		EventBridgeEnabled: jsii.Bool(true),
		BlockPublicAccess:  awss3.BlockPublicAccess_BLOCK_ALL(),
		Encryption:         awss3.BucketEncryption_S3_MANAGED,
		EnforceSSL:         jsii.Bool(true),
		RemovalPolicy:      awscdk.RemovalPolicy_RETAIN,
	})

	fn := awslambda.NewDockerImageFunction(stack, jsii.String("InferenceFunction"), &awslambda.DockerImageFunctionProps{
		Code: awslambda.DockerImageCode_FromImageAsset(jsii.String(props.ImageDir), &awslambda.AssetImageCodeProps{
			Cmd:     jsii.Strings("lambda"),
			Exclude: jsii.Strings("_examples", "cdk/cdk.out", ".git"),
		}),
		MemorySize:           jsii.Number(props.MemoryMB),
		Timeout:              awscdk.Duration_Seconds(jsii.Number(props.TimeoutSec)),
		EphemeralStorageSize: awscdk.Size_Mebibytes(jsii.Number(props.EphemeralMB)),
		Architecture:         awslambda.Architecture_X86_64(),
		Environment: &map[string]*string{
			"MODEL_NAME": jsii.String(props.ModelName),
			"DATASET":    jsii.String(props.Dataset),
			"BUCKET":     bucket.BucketName(),
			"PLOT_DIR":   jsii.String(defaultPlotDir),
		},
	})

	fn.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect:    awsiam.Effect_ALLOW,
		Actions:   jsii.Strings("s3:GetObject", "s3:PutObject"),
		Resources: jsii.Strings(*bucket.ArnForObjects(jsii.String("*"))),
	}))
	// Without ListBucket a HEAD or GET on a missing key is answered with 403
	// instead of 404.
	fn.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect:    awsiam.Effect_ALLOW,
		Actions:   jsii.Strings("s3:ListBucket"),
		Resources: jsii.Strings(*bucket.BucketArn()),
	}))

	rule := awsevents.NewRule(stack, jsii.String("InputCreatedRule"), &awsevents.RuleProps{
		Description: jsii.String("Invoke the inference function for images uploaded under " + inputPrefix),
		EventPattern: &awsevents.EventPattern{
			Source:     jsii.Strings("aws.s3"),
			DetailType: jsii.Strings("Object Created"),
			Detail: &map[string]interface{}{
				"bucket": map[string]interface{}{
					"name": []interface{}{*bucket.BucketName()},
				},
				"object": map[string]interface{}{
					"key": []interface{}{
						map[string]interface{}{"prefix": inputPrefix},
					},
				},
			},
		},
	})
	rule.AddTarget(awseventstargets.NewLambdaFunction(fn, &awseventstargets.LambdaFunctionProps{
		RetryAttempts: jsii.Number(props.RetryAttempts),
	}))

	awscdk.NewCfnOutput(stack, jsii.String("BucketName"), &awscdk.CfnOutputProps{
		Value: bucket.BucketName(),
	})
	awscdk.NewCfnOutput(stack, jsii.String("FunctionName"), &awscdk.CfnOutputProps{
		Value: fn.FunctionName(),
	})

	return &DetectionStack{
		Stack:    stack,
		Bucket:   bucket,
		Function: fn,
		Rule:     rule,
	}
}
